// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithComponentAnnotates(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "hlsgate-test"})

	l := WithComponent("admission")
	l.Info().Msg("decision made")

	out := buf.String()
	require.True(t, strings.Contains(out, `"component":"admission"`), "output: %s", out)
	require.True(t, strings.Contains(out, `"service":"hlsgate-test"`) || strings.Contains(out, `"service":"hlsgate"`))
}
