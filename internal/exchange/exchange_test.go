package exchange_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/internal/exchange"
)

func echo(payload []byte) ([]byte, error) {
	return append([]byte("re:"), payload...), nil
}

func exercise(t *testing.T, x api.Exchanger, subject string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stop, err := x.Handle(subject, echo)
	require.NoError(t, err)
	out, err := x.Request(ctx, subject, []byte("step"))
	require.NoError(t, err)
	assert.Equal(t, "re:step", string(out))

	require.NoError(t, stop())
	_, err = x.Request(ctx, subject, []byte("step"))
	assert.ErrorIs(t, err, api.ErrConnection)

	failing, err := x.Handle(subject+"_bad", func([]byte) ([]byte, error) { return nil, errors.New("boom") })
	require.NoError(t, err)
	defer failing() //nolint:errcheck
	_, err = x.Request(ctx, subject+"_bad", nil)
	assert.ErrorIs(t, err, api.ErrConnection)
}

func TestMemoryExchange(t *testing.T) {
	x := exchange.NewMemory()
	exercise(t, x, "hioload.ports.test")

	_, err := x.Handle("dup", echo)
	require.NoError(t, err)
	_, err = x.Handle("dup", echo)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = x.Request(ctx, "dup", nil)
	assert.ErrorIs(t, err, api.ErrConnection)

	require.NoError(t, x.Close())
	_, err = x.Request(context.Background(), "dup", nil)
	assert.ErrorIs(t, err, api.ErrConnection)
	_, err = x.Handle("late", echo)
	assert.ErrorIs(t, err, api.ErrConnection)
}

func TestNATSExchange(t *testing.T) {
	url := os.Getenv("HIOLOAD_TEST_NATS_URL")
	if url == "" {
		t.Skip("HIOLOAD_TEST_NATS_URL not set")
	}
	x, err := exchange.DialNATS(url, nil)
	require.NoError(t, err)
	defer x.Close() //nolint:errcheck
	exercise(t, x, exchange.Subject("hioload.ports.test", t.Name()))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "hioload.ports.app_src_out-_sink_in", exchange.Subject("hioload.ports", "app/src.out->sink.in"))
	assert.Equal(t, "a_b", exchange.Subject("", "a b"))
}
