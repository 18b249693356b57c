package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ivanvanderbyl/sentron-scan/pkg/capture"
	"github.com/ivanvanderbyl/sentron-scan/pkg/sentron"
)

// printer writes replies to stdout as they arrive. It is the scan's reporter.
type printer struct {
	w      io.Writer
	json   bool
	found  int
	failed int
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON}
}

type replyJSON struct {
	Time              string `json:"time,omitempty"`
	From              string `json:"from,omitempty"`
	To                string `json:"to,omitempty"`
	MAC               string `json:"mac,omitempty"`
	Command           string `json:"command,omitempty"`
	Layout            string `json:"layout,omitempty"`
	IP                string `json:"ip,omitempty"`
	Netmask           string `json:"netmask,omitempty"`
	Gateway           string `json:"gateway,omitempty"`
	Product           string `json:"product,omitempty"`
	PlantID           string `json:"plant_id,omitempty"`
	SoftwareVersion   string `json:"software_version,omitempty"`
	BootloaderVersion string `json:"bootloader_version,omitempty"`
	Reserved          string `json:"reserved,omitempty"`
	Raw               string `json:"raw,omitempty"`
	Error             string `json:"error,omitempty"`
}

func deviceJSON(dev sentron.Device) replyJSON {
	return replyJSON{
		MAC:               dev.MAC.String(),
		Command:           dev.Command.String(),
		Layout:            dev.Layout.String(),
		IP:                dev.IP.String(),
		Netmask:           dev.Netmask.String(),
		Gateway:           dev.Gateway.String(),
		Product:           dev.Product,
		PlantID:           dev.PlantID,
		SoftwareVersion:   dev.SoftwareVersion.String(),
		BootloaderVersion: dev.BootloaderVersion.String(),
		Reserved:          hex.EncodeToString(dev.Reserved),
	}
}

func (p *printer) Report(_ context.Context, reply sentron.Reply) {
	if reply.Err != nil {
		p.failed++
	} else {
		p.found++
	}

	if p.json {
		var rec replyJSON
		if reply.Err != nil {
			rec = replyJSON{Error: reply.Err.Error(), Raw: hex.EncodeToString(reply.Raw)}
		} else {
			rec = deviceJSON(reply.Device)
		}
		if reply.From.IsValid() {
			rec.From = reply.From.String()
		}
		p.encode(rec)
		return
	}

	if reply.Err != nil {
		fmt.Fprintf(p.w, "Bad reply: %v\n\tRaw: %x\n", reply.Err, reply.Raw)
		return
	}
	p.device(reply.Device)
}

func (p *printer) device(dev sentron.Device) {
	fmt.Fprintf(p.w, "Found a device: %s\n\tMAC: %s\n\tReply: %s (%s layout)\n",
		dev, dev.MAC, dev.Command, dev.Layout)
	if dev.PlantID != "" {
		fmt.Fprintf(p.w, "\tPlant ID: %s\n", dev.PlantID)
	}
	if dev.Layout == sentron.LayoutVersion {
		fmt.Fprintf(p.w, "\tSoftware: %s\n\tBootloader: %s\n", dev.SoftwareVersion, dev.BootloaderVersion)
	}
}

// Frame prints one frame of a replayed capture.
func (p *printer) Frame(ctx context.Context, frame capture.Frame) {
	if frame.Probe == nil {
		p.Report(ctx, sentron.Reply{From: frame.Src, Device: derefDevice(frame.Device), Err: frame.Err})
		return
	}

	if p.json {
		p.encode(replyJSON{
			Time:    frame.Time.UTC().Format("2006-01-02T15:04:05.000000Z"),
			From:    frame.Src.String(),
			To:      frame.Dst.String(),
			MAC:     frame.Probe.Target.String(),
			Command: frame.Probe.Command.String(),
		})
		return
	}

	fmt.Fprintf(p.w, "Probe %s -> %s: %s target=%s\n", frame.Src, frame.Dst, frame.Probe.Command, frame.Probe.Target)
}

func (p *printer) encode(rec replyJSON) {
	b, err := json.Marshal(rec)
	if err != nil {
		fmt.Fprintf(p.w, "{\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintf(p.w, "%s\n", b)
}

func derefDevice(dev *sentron.Device) sentron.Device {
	if dev == nil {
		return sentron.Device{}
	}
	return *dev
}
