/* mtpusb - host-side MTP/PTP-over-USB engine
 *
 * mtpctl: minimal demo binary -- discover, probe, open a session,
 * dump diagnostics. The full CLI/JSON surface a real frontend would
 * want is an external collaborator's job (out of scope here); this
 * exists to exercise the library end to end.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/google/gousb"

	"github.com/mtpusb/mtpusb"
)

const usageText = `Usage:
    %s <vendor-id-hex> <product-id-hex>

Example:
    %s 04e8 6860

Opens the first matching device, probes its candidate interfaces,
and prints a diagnostics report.
`

func usage() {
	fmt.Printf(usageText, os.Args[0], os.Args[0])
	os.Exit(1)
}

func main() {
	if len(os.Args) != 3 {
		usage()
	}

	vid, err := strconv.ParseUint(os.Args[1], 16, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad vendor id: %s\n", err)
		os.Exit(1)
	}
	pid, err := strconv.ParseUint(os.Args[2], 16, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad product id: %s\n", err)
		os.Exit(1)
	}

	if err := mtpusb.ConfLoad(); err != nil {
		color.Yellow("warning: %s (continuing with defaults)", err)
	}

	log := mtpusb.NewLogger().ToColorConsole()

	if err := run(log, uint16(vid), uint16(pid)); err != nil {
		color.Red("error: %s", mtpusb.ActionableError(err))
		os.Exit(1)
	}
}

func run(log *mtpusb.Logger, vid, pid uint16) error {
	ctx := context.Background()

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	dev, desc, err := discoverDevice(usbCtx, vid, pid)
	if err != nil {
		return err
	}
	defer dev.Close()

	identStore, err := mtpusb.OpenIdentityStore(mtpusb.Conf.IdentityDir)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}

	ident, err := identStore.ResolveIdentity(mtpusb.IdentitySignals{
		VendorID:  desc.VendorID,
		ProductID: desc.ProductID,
		USBSerial: desc.SerialUSB,
	})
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	color.Green("device identity: %s (%s)", ident.DomainID, ident.IdentityKey)

	journal, err := mtpusb.OpenJournal(mtpusb.Conf.JournalDir)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer journal.Close()

	resolver := mtpusb.NewQuirkResolver(mtpusb.Conf.Quirks)
	fp := mtpusb.DeviceFingerprint{
		VendorID:  desc.VendorID,
		ProductID: desc.ProductID,
		BCDDevice: desc.BCDDevice,
	}
	tuning := resolver.BuildEffectiveTuning(fp, mtpusb.ProbedCapabilities{}, nil, nil, mtpusb.ResolveModeNormal)

	opener := func(ctx context.Context, cand mtpusb.InterfaceDescriptor) (mtpusb.EndpointLink, error) {
		return mtpusb.NewGousbEndpointLink(dev, cand)
	}

	ladder := mtpusb.NewProbeLadder(opener, resolver, log)

	probeCtx, cancel := context.WithTimeout(ctx, mtpusb.DefaultOverallDeadline)
	defer cancel()

	engine, result, err := ladder.Probe(probeCtx, desc, tuning)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	diag := mtpusb.NewDiagnostics(ident.DomainID)
	diag.RecordProbe(mtpusb.ProbeReceipt{
		Probe:         result,
		SessionOpened: true,
		OpenedAt:      time.Now(),
		Tuning:        tuning,
	})

	session := mtpusb.NewSession(engine, engine.Transport(), tuning, log, journal, ident.DomainID)
	defer session.Close(ctx)

	if err := session.ReconcilePartials(ctx); err != nil {
		color.Yellow("warning: partial-transfer reconciliation: %s", err)
	}

	storages, err := session.Storages(ctx)
	if err != nil {
		return fmt.Errorf("storages: %w", err)
	}
	for _, st := range storages {
		fmt.Printf("storage %#x: %s (%d/%d bytes free)\n", st.StorageID, st.Description, st.FreeBytes, st.CapacityBytes)
	}

	os.Stdout.Write(diag.Format())
	return nil
}

// discoverDevice opens the first device matching vid:pid and builds
// the spec §3 DeviceDescriptor the Probe Ladder scores candidates
// against, by walking every configuration's interfaces the way the
// teacher's usbcommon.go classified IPP-over-USB candidate interfaces,
// generalized to MTP's still-image/vendor-specific class pair.
func discoverDevice(usbCtx *gousb.Context, vid, pid uint16) (*gousb.Device, mtpusb.DeviceDescriptor, error) {
	devs, err := usbCtx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		return uint16(dd.Vendor) == vid && uint16(dd.Product) == pid
	})
	if err != nil && len(devs) == 0 {
		return nil, mtpusb.DeviceDescriptor{}, fmt.Errorf("usb: %w", err)
	}
	if len(devs) == 0 {
		return nil, mtpusb.DeviceDescriptor{}, fmt.Errorf("usb: no device %04x:%04x found", vid, pid)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev := devs[0]

	desc := mtpusb.DeviceDescriptor{
		VendorID:  uint16(dev.Desc.Vendor),
		ProductID: uint16(dev.Desc.Product),
	}
	if serial, err := dev.SerialNumber(); err == nil {
		desc.SerialUSB = serial
	}

	for cfgNum, cfg := range dev.Desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				ifd := mtpusb.InterfaceDescriptor{
					ConfigNum:    cfgNum,
					InterfaceNum: iface.Number,
					AltSetting:   alt.Alternate,
					Class:        uint8(alt.Class),
					SubClass:     uint8(alt.SubClass),
					Protocol:     uint8(alt.Protocol),
				}
				for addr, ep := range alt.Endpoints {
					switch {
					case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn:
						ifd.BulkInAddr = uint8(addr)
					case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut:
						ifd.BulkOutAddr = uint8(addr)
					case ep.TransferType == gousb.TransferTypeInterrupt && ep.Direction == gousb.EndpointDirectionIn:
						ifd.InterruptAddr = uint8(addr)
					}
				}
				if ifd.BulkInAddr != 0 && ifd.BulkOutAddr != 0 {
					desc.Interfaces = append(desc.Interfaces, ifd)
				}
			}
		}
	}

	if len(desc.Interfaces) == 0 {
		dev.Close()
		return nil, mtpusb.DeviceDescriptor{}, fmt.Errorf("usb: %04x:%04x has no bulk in/out interface", vid, pid)
	}

	return dev, desc, nil
}
