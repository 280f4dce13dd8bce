package options

import (
	"bytes"
	"context"
	"testing"

	"github.com/asnowfix/wifimgr/internal/global"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintResult(t *testing.T) {
	out := map[string]string{"SSID": "Home"}

	var buf bytes.Buffer
	require.NoError(t, PrintResult(&buf, out))
	assert.Equal(t, "SSID: Home\n", buf.String())

	Flags.Json = true
	defer func() { Flags.Json = false }()
	buf.Reset()
	require.NoError(t, PrintResult(&buf, out))
	assert.Equal(t, "{\"SSID\":\"Home\"}\n", buf.String())
}

func TestCommandLineContextCancel(t *testing.T) {
	ctx := CommandLineContext(context.Background(), testr.New(t), "1.0.0")
	assert.Equal(t, "1.0.0", global.Version(ctx))

	proc := global.ProcessContext(ctx)
	require.NotEqual(t, ctx, proc)

	cancel := ctx.Value(global.CancelKey).(context.CancelFunc)
	cancel()
	<-ctx.Done()
	assert.NoError(t, proc.Err(), "the operation context ends first")
}
