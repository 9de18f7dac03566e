// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestErrorTeeSplitsByLevel(t *testing.T) {
	var main, errs bytes.Buffer
	logger := zerolog.New(ErrorTee(&main, &errs))

	logger.Info().Msg("routine")
	logger.Warn().Msg("wobbly")
	logger.Error().Msg("broken")

	assert.Contains(t, main.String(), "routine")
	assert.Contains(t, main.String(), "broken")

	assert.NotContains(t, errs.String(), "routine")
	assert.Contains(t, errs.String(), "wobbly")
	assert.Contains(t, errs.String(), "broken")
}
