/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * gousb-backed EndpointLink: the real bulk-endpoint backend
 */

package mtpusb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// clearFeatureEndpointHalt is the standard USB CLEAR_FEATURE request
// targeting ENDPOINT_HALT (bmRequestType=host-to-device|standard|endpoint).
const (
	reqClearFeature        = 0x01
	featureEndpointHalt    = 0x00
	bmRequestTypeEndpoint  = 0x02
)

// gousbLink implements EndpointLink against a claimed gousb interface.
// Grounded on the teacher's usbaddr.go (gousb.Device.Open) and
// usbtransport.go's usbConn (Recv/Send over a claimed interface).
type gousbLink struct {
	dev      *gousb.Device
	iface    *gousb.Interface
	in       *gousb.InEndpoint
	out      *gousb.OutEndpoint
	inAddr   uint8
	outAddr  uint8
}

// NewGousbEndpointLink claims the interface cand describes on dev and
// returns it as an EndpointLink, for a LinkOpener built outside this
// package (cmd/mtpctl's discovery/probe wiring).
func NewGousbEndpointLink(dev *gousb.Device, cand InterfaceDescriptor) (EndpointLink, error) {
	return newGousbLink(dev, cand.ConfigNum, cand.InterfaceNum, cand.AltSetting, cand.BulkInAddr, cand.BulkOutAddr)
}

// newGousbLink claims cfg/iface/alt on dev and resolves its bulk
// in/out endpoints.
func newGousbLink(dev *gousb.Device, cfgNum, ifNum, alt int, inAddr, outAddr uint8) (*gousbLink, error) {
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("gousb: config %d: %w", cfgNum, err)
	}
	iface, err := cfg.Interface(ifNum, alt)
	if err != nil {
		return nil, fmt.Errorf("gousb: interface %d alt %d: %w", ifNum, alt, err)
	}
	in, err := iface.InEndpoint(int(inAddr))
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("gousb: in endpoint %#x: %w", inAddr, err)
	}
	out, err := iface.OutEndpoint(int(outAddr))
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("gousb: out endpoint %#x: %w", outAddr, err)
	}
	return &gousbLink{dev: dev, iface: iface, in: in, out: out, inAddr: inAddr, outAddr: outAddr}, nil
}

func (l *gousbLink) BulkOut(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := l.out.WriteContext(ctx, b)
	return n, translateGousbErr(err)
}

func (l *gousbLink) BulkIn(ctx context.Context, b []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := l.in.ReadContext(ctx, b)
	return n, translateGousbErr(err)
}

func (l *gousbLink) ClearHaltOut() error {
	_, err := l.dev.Control(bmRequestTypeEndpoint, reqClearFeature, featureEndpointHalt, uint16(l.outAddr), nil)
	return err
}

func (l *gousbLink) ClearHaltIn() error {
	_, err := l.dev.Control(bmRequestTypeEndpoint, reqClearFeature, featureEndpointHalt, uint16(l.inAddr), nil)
	return err
}

func (l *gousbLink) Reset() error {
	return l.dev.Reset()
}

func (l *gousbLink) Close() error {
	l.iface.Close()
	return l.dev.Close()
}

// translateGousbErr maps gousb's transfer-status errors to the
// stall/timeout sentinels BulkTransport understands. gousb surfaces a
// deadline as context.DeadlineExceeded, matched by identity, and a
// stalled endpoint as a *gousb.TransferStatus-carrying error, matched
// by string content, mirroring the teacher's own approach of matching
// libusb error text in usbio_libusb.go rather than relying on typed
// errors the C library doesn't provide.
func translateGousbErr(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return ErrEndpointTimeout(err)
	}
	if isGousbStall(err) {
		return ErrStall(err)
	}
	return err
}

func isGousbStall(err error) bool {
	// gousb.TransferStatus.String() for a stalled transfer contains
	// "stall"; libusb itself reports LIBUSB_TRANSFER_STALL the same
	// way the teacher's usbio_libusb.go matched it.
	return containsFold(err.Error(), "stall")
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if foldEqual(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func foldEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
