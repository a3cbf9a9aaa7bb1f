package serial

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// DefaultEnumerateTimeout bounds one OS enumeration
const DefaultEnumerateTimeout = 3 * time.Second

// probeBaudRate is used for availability test opens
const probeBaudRate = 9600

// Availability is the result of a best-effort test open
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityUnknown   Availability = "unknown"
)

// PortDescriptor describes one enumerated serial port
type PortDescriptor struct {
	ID            string       `json:"id"`
	HumanLabel    string       `json:"human_label"`
	HardwareID    string       `json:"hardware_id"`
	Manufacturer  string       `json:"manufacturer,omitempty"`
	Product       string       `json:"product,omitempty"`
	SerialNumber  string       `json:"serial_number,omitempty"`
	InterfaceKind string       `json:"interface_kind"`
	Availability  Availability `json:"availability"`
}

// ListFunc returns the ports known to the OS
type ListFunc func() ([]*enumerator.PortDetails, error)

// usbVendors names common USB-serial bridge vendors by VID
var usbVendors = map[string]string{
	"0403": "FTDI",
	"067B": "Prolific",
	"10C4": "Silicon Labs",
	"1A86": "WCH",
	"2341": "Arduino",
	"2A03": "Arduino",
	"04D8": "Microchip",
	"0483": "STMicroelectronics",
	"1366": "SEGGER",
	"303A": "Espressif",
}

// EnumeratorOptions configures an Enumerator
type EnumeratorOptions struct {
	List    ListFunc      // Defaults to enumerator.GetDetailedPortsList
	Opener  Opener        // Used by Probe, defaults to RealOpener
	Probe   bool          // Probe availability of every listed port
	Timeout time.Duration // Upper bound for one enumeration
}

// Enumerator lists serial ports and probes their availability
type Enumerator struct {
	list    ListFunc
	opener  Opener
	probe   bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewEnumerator creates a new Enumerator
func NewEnumerator(opts EnumeratorOptions, logger *slog.Logger) *Enumerator {
	if opts.List == nil {
		opts.List = enumerator.GetDetailedPortsList
	}
	if opts.Opener == nil {
		opts.Opener = RealOpener{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultEnumerateTimeout
	}

	return &Enumerator{
		list:    opts.List,
		opener:  opts.Opener,
		probe:   opts.Probe,
		timeout: opts.Timeout,
		logger:  logger.With("component", "enumerator"),
	}
}

type listResult struct {
	details []*enumerator.PortDetails
	err     error
}

// List enumerates ports, sorted by ID. Availability is probed when the
// enumerator was built with Probe set, otherwise it is unknown.
func (e *Enumerator) List(ctx context.Context) ([]PortDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Buffered so a slow OS call can finish after we gave up on it
	resultCh := make(chan listResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- listResult{err: fmt.Errorf("enumeration panicked: %v", r)}
			}
		}()
		details, err := e.list()
		resultCh <- listResult{details: details, err: err}
	}()

	var res listResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("enumeration did not finish: %w", ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to enumerate ports: %w", res.err)
	}

	ports := make([]PortDescriptor, 0, len(res.details))
	for _, d := range res.details {
		if d == nil || d.Name == "" {
			continue
		}
		desc := describe(d)
		if e.probe {
			desc.Availability = e.Probe(desc.ID)
		}
		ports = append(ports, desc)
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].ID < ports[j].ID })
	return ports, nil
}

// Enumerate is List for presentation callers: it never fails and returns
// an empty slice when the OS enumeration errors or times out.
func (e *Enumerator) Enumerate(ctx context.Context) []PortDescriptor {
	ports, err := e.List(ctx)
	if err != nil {
		e.logger.Warn("Port enumeration failed", "error", err)
		return []PortDescriptor{}
	}
	return ports
}

// Probe test-opens a port and immediately closes it. The answer may be
// stale as soon as it is returned.
func (e *Enumerator) Probe(id string) Availability {
	port, err := e.opener.Open(id, probeBaudRate)
	if err == nil {
		if cerr := port.Close(); cerr != nil {
			e.logger.Debug("Failed to close probed port", "port", id, "error", cerr)
		}
		return AvailabilityAvailable
	}

	if IsBusy(err) {
		return AvailabilityBusy
	}
	e.logger.Debug("Probe failed", "port", id, "error", err)
	return AvailabilityUnknown
}

func describe(d *enumerator.PortDetails) PortDescriptor {
	desc := PortDescriptor{
		ID:            d.Name,
		HumanLabel:    d.Name,
		HardwareID:    "n/a",
		Product:       d.Product,
		InterfaceKind: "native",
		Availability:  AvailabilityUnknown,
	}

	if d.IsUSB {
		vid, pid := strings.ToUpper(d.VID), strings.ToUpper(d.PID)
		desc.InterfaceKind = "usb"
		desc.SerialNumber = d.SerialNumber
		desc.Manufacturer = usbVendors[vid]
		desc.HardwareID = fmt.Sprintf("USB VID:PID=%s:%s", vid, pid)
		if d.SerialNumber != "" {
			desc.HardwareID += " SER=" + d.SerialNumber
		}
	}

	switch {
	case d.Product != "":
		desc.HumanLabel = fmt.Sprintf("%s (%s)", d.Product, d.Name)
	case d.IsUSB:
		desc.HumanLabel = fmt.Sprintf("USB Serial Device (%s)", d.Name)
	}

	return desc
}
