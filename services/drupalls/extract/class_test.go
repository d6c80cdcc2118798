// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DrupalLS/services/drupalls/facts"
)

const loggerChannelFactory = `<?php

namespace Drupal\Core\Logger;

use Drupal\Core\DependencyInjection\ContainerAwareInterface;
use Symfony\Component\HttpFoundation\RequestStack as Stack;

/**
 * Defines a factory for logging channels.
 */
class LoggerChannelFactory implements LoggerChannelFactoryInterface, ContainerAwareInterface {

  protected $channels = [];

  public function get($channel) {
    return $this->channels[$channel];
  }

}

interface LoggerChannelFactoryInterface {
}
`

func TestClassExtractor_Extract(t *testing.T) {
	e := NewClassExtractor()
	got, err := e.Extract(context.Background(), "core/lib/Drupal/Core/Logger/LoggerChannelFactory.php", []byte(loggerChannelFactory))
	require.NoError(t, err)

	byKey := factsByKey(got)
	require.Len(t, byKey, 2)

	cls, ok := byKey[`Drupal\Core\Logger\LoggerChannelFactory`]
	require.True(t, ok)
	assert.Equal(t, facts.KindClass, cls.Kind)
	assert.Equal(t, "LoggerChannelFactory", cls.StringAttr("name"))
	assert.Equal(t, `Drupal\Core\Logger`, cls.StringAttr("namespace"))
	assert.Equal(t, "class", cls.StringAttr("type"))
	assert.Equal(t, 11, cls.Line)
	assert.Equal(t, []string{
		`Drupal\Core\Logger\LoggerChannelFactoryInterface`,
		`Drupal\Core\DependencyInjection\ContainerAwareInterface`,
	}, cls.ListAttr("implements"))

	iface, ok := byKey[`Drupal\Core\Logger\LoggerChannelFactoryInterface`]
	require.True(t, ok)
	assert.Equal(t, "interface", iface.StringAttr("type"))
	assert.Equal(t, 21, iface.Line)
}

func TestClassExtractor_ExtendsResolvesUseAlias(t *testing.T) {
	src := `<?php
namespace Drupal\mymodule\Controller;

use Drupal\Core\Controller\ControllerBase as Base;

class HelloController extends Base {
}

trait HelloTrait {
}
`
	got, err := NewClassExtractor().Extract(context.Background(), "HelloController.php", []byte(src))
	require.NoError(t, err)

	byKey := factsByKey(got)
	ctrl := byKey[`Drupal\mymodule\Controller\HelloController`]
	assert.Equal(t, `Drupal\Core\Controller\ControllerBase`, ctrl.StringAttr("extends"))
	assert.Equal(t, 6, ctrl.Line)

	trait := byKey[`Drupal\mymodule\Controller\HelloTrait`]
	assert.Equal(t, "trait", trait.StringAttr("type"))
}

func TestClassExtractor_BracedNamespaces(t *testing.T) {
	src := `<?php
namespace A {
  class One {}
}
namespace B {
  class Two extends \A\One {}
}
`
	got, err := NewClassExtractor().Extract(context.Background(), "multi.php", []byte(src))
	require.NoError(t, err)

	byKey := factsByKey(got)
	require.Contains(t, byKey, `A\One`)
	require.Contains(t, byKey, `B\Two`)
	assert.Equal(t, `A\One`, byKey[`B\Two`].StringAttr("extends"))
}

func TestClassExtractor_GlobalNamespace(t *testing.T) {
	got, err := NewClassExtractor().Extract(context.Background(), "legacy.inc", []byte("<?php\nclass Legacy {}\n"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Legacy", got[0].Key)
	assert.Equal(t, "", got[0].StringAttr("namespace"))
}

func TestClassExtractor_NoDeclarations(t *testing.T) {
	got, err := NewClassExtractor().Extract(context.Background(), "foo.module", []byte("<?php\n\nfunction foo_help() {\n  return '';\n}\n"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClassExtractor_SyntaxError(t *testing.T) {
	src := "<?php\nnamespace A;\n\nclass Broken {\n  public function x( {\n}\n"
	_, err := NewClassExtractor().Extract(context.Background(), "Broken.php", []byte(src))
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.Equal(t, "Broken.php", pe.Path)
}

func TestDeclarationLine(t *testing.T) {
	ctx := context.Background()

	line, ok := DeclarationLine(ctx, []byte(loggerChannelFactory), `\Drupal\Core\Logger\LoggerChannelFactory`)
	require.True(t, ok)
	assert.Equal(t, 11, line)

	_, ok = DeclarationLine(ctx, []byte(loggerChannelFactory), `Drupal\Core\Logger\Missing`)
	assert.False(t, ok)
}
