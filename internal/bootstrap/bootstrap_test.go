package bootstrap

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/imagepipe/internal/config"
	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/gateway"
	"github.com/cuongbtq/imagepipe/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{Driver: config.DriverMemory},
		Queue: config.JobQueueConfig{
			Driver:       config.DriverMemory,
			LeaseTimeout: time.Minute,
		},
		Storage: config.StorageConfig{
			UploadDir: dir + "/uploads",
			OutputDir: dir + "/outputs",
		},
		Worker: config.WorkerConfig{
			Embedded:          true,
			Concurrency:       2,
			JobTimeout:        30 * time.Second,
			HeartbeatInterval: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 30, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 30; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 12), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestBuild_MemoryDrivers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := memoryConfig(t)

	c, err := Build(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.DB)
	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.Queue)
	assert.NotNil(t, c.Artifacts)
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestBuild_UnknownDriver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := memoryConfig(t)
	cfg.Queue.Driver = "kafka"

	c, err := Build(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Contains(t, err.Error(), "unknown queue driver")
}

type brokerState bool

func (b brokerState) IsConnected() bool { return bool(b) }

func TestComponents_HealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		broker  BrokerStatus
		wantErr error
	}{
		{name: "no broker", broker: nil},
		{name: "broker connected", broker: brokerState(true)},
		{name: "broker disconnected", broker: brokerState(false), wantErr: ErrBrokerDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Components{Broker: tt.broker}

			err := c.HealthCheck(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSelector_WithoutBinary(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	selector := NewSelector(&config.EnhanceConfig{}, logger)

	attrs := selector.Describe(context.Background())
	require.Len(t, attrs, 2)
	assert.Equal(t, domain.StrategyResample, attrs[0].Value.String())
	assert.Equal(t, "not configured", attrs[1].Value.String())
}

// TestEmbeddedPipeline runs a submission through the gateway, an embedded
// worker pool and the status service, all on memory backends
func TestEmbeddedPipeline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := memoryConfig(t)

	c, err := Build(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer c.Close()

	w := c.NewWorker(&cfg.Worker, NewSelector(&cfg.Enhance, logger))
	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)
	defer func() {
		cancel()
		w.Stop()
	}()

	gw := gateway.New(&gateway.Config{
		Logger:    logger,
		Store:     c.Store,
		Queue:     c.Queue,
		Artifacts: c.Artifacts,
	})
	statuses := status.NewService(c.Store, time.Second)

	jobID, err := gw.Submit(context.Background(), gateway.SubmitRequest{
		OwnerID:      "owner-1",
		FileName:     "photo.png",
		Body:         testPNG(t),
		Kind:         domain.OperationUpscale,
		ScaleFactor:  4,
		StrategyHint: domain.StrategyEnhance,
	})
	require.NoError(t, err)

	var st *status.Status
	require.Eventually(t, func() bool {
		st, err = statuses.GetStatus(context.Background(), jobID)
		return err == nil && st.State == domain.JobStateSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, domain.StrategyResample, st.Strategy)
	assert.NotEmpty(t, st.FallbackReason)
	assert.Equal(t, 120, st.OutputWidth)
	assert.Equal(t, 80, st.OutputHeight)

	size, err := c.Artifacts.Stat(st.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, st.OutputSize, size)

	// the reaper has nothing to recover once the job finished
	n, err := c.NewReaper(&cfg.Worker).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
