package device

import (
	"context"
	"net"

	"github.com/bilbercode/camlink/internal/command"
	"github.com/bilbercode/camlink/internal/status"
)

// Service is the producing side: capture, media sender, command listener,
// recordings and the status channel.
type Service interface {
	command.Handler
	status.StatusProvider

	Run(ctx context.Context) error
	CommandAddr() net.Addr
	StatusAddr() net.Addr
}
