package bridge

import (
	"context"
	"io"

	"github.com/bilbercode/camlink/internal/status"
)

type statusDialer struct {
	addr string
	cfg  status.ClientConfig
}

// NewStatusDialer connects to the device status channel at addr.
func NewStatusDialer(addr string, cfg status.ClientConfig) StatusDialer {
	return &statusDialer{addr: addr, cfg: cfg}
}

func (d *statusDialer) Dial(ctx context.Context) (StatusClient, error) {
	client, err := status.Dial(ctx, d.addr, d.cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *statusDialer) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	return status.Download(ctx, d.addr, id, d.cfg)
}
