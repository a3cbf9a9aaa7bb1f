package serial

import (
	"fmt"
	"log/slog"
	"time"
)

// Detection constants - these control autobaud detection behavior
const (
	// DetectionSettlingTime is the delay between detection cycles to allow
	// USB-to-serial adapters to stabilize after close/reopen.
	DetectionSettlingTime = 100 * time.Millisecond

	// DetectionBufferSize is the size of the buffer used when sampling
	// data during baud rate detection.
	DetectionBufferSize = 4096

	// DetectionPollInterval is the sleep time between read attempts during
	// detection to avoid busy-looping while waiting for data.
	DetectionPollInterval = 10 * time.Millisecond

	// ValidityThreshold is the minimum ratio of valid ASCII characters
	// required for a baud rate to be considered correct (0.80 = 80%).
	ValidityThreshold = 0.80
)

// inputResetter is implemented by ports that can discard buffered input
type inputResetter interface {
	ResetInputBuffer() error
}

// Detector handles autobaud detection
type Detector struct {
	opener           Opener
	baudRates        []int
	detectionTimeout time.Duration
	minBytesForValid int
	settlingTime     time.Duration
	logger           *slog.Logger
}

// NewDetector creates a new Detector
func NewDetector(opener Opener, baudRates []int, detectionTimeout time.Duration, minBytesForValid int, logger *slog.Logger) *Detector {
	return &Detector{
		opener:           opener,
		baudRates:        baudRates,
		detectionTimeout: detectionTimeout,
		minBytesForValid: minBytesForValid,
		settlingTime:     DetectionSettlingTime,
		logger:           logger,
	}
}

// DetectBaudRate tries each configured baud rate on device and returns the
// first one that yields mostly printable text.
func (d *Detector) DetectBaudRate(device string) (int, error) {
	d.logger.Info("Starting autobaud detection", "device", device, "rates", d.baudRates)

	for i, baudRate := range d.baudRates {
		// Settle between attempts, not before the first
		if i > 0 && d.settlingTime > 0 {
			time.Sleep(d.settlingTime)
		}

		d.logger.Debug("Trying baud rate", "device", device, "baud", baudRate)

		port, err := d.opener.Open(device, baudRate)
		if err != nil {
			// No point trying other rates on a missing or busy device
			if IsNotFound(err) || IsBusy(err) {
				return 0, err
			}
			d.logger.Warn("Failed to open port", "device", device, "baud", baudRate, "error", err)
			continue
		}

		// Flush stale data from the previous rate
		if r, ok := port.(inputResetter); ok {
			if err := r.ResetInputBuffer(); err != nil {
				d.logger.Debug("Failed to reset input buffer", "device", device, "error", err)
			}
		}

		validityRatio, bytesRead := d.testBaudRate(port)
		port.Close()

		d.logger.Debug("Baud rate test result",
			"device", device,
			"baud", baudRate,
			"validity", fmt.Sprintf("%.2f", validityRatio),
			"bytes", bytesRead)

		if validityRatio >= ValidityThreshold && bytesRead >= d.minBytesForValid {
			d.logger.Info("Detected baud rate",
				"device", device,
				"baud", baudRate,
				"validity", fmt.Sprintf("%.2f", validityRatio),
				"bytes", bytesRead)
			return baudRate, nil
		}
	}

	return 0, fmt.Errorf("failed to detect baud rate for %s after trying all rates", device)
}

// testBaudRate samples a port and returns validity ratio and bytes read
func (d *Detector) testBaudRate(port Port) (float64, int) {
	buf := make([]byte, DetectionBufferSize)
	totalBytes := 0
	validChars := 0
	deadline := time.Now().Add(d.detectionTimeout)

	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil && !IsTimeout(err) {
			break
		}

		if n > 0 {
			totalBytes += n
			validChars += countValidASCII(buf[:n])

			if totalBytes >= d.minBytesForValid {
				break
			}
			continue
		}

		time.Sleep(DetectionPollInterval)
	}

	if totalBytes == 0 {
		return 0.0, 0
	}

	return float64(validChars) / float64(totalBytes), totalBytes
}

// countValidASCII counts printable ASCII and common control characters.
// At the correct baud rate text data is ~95%+ printable ASCII, at a wrong
// one random bit patterns yield ~35-50%.
func countValidASCII(data []byte) int {
	count := 0
	for _, b := range data {
		// Printable ASCII (space through tilde) + TAB, CR, LF
		if (b >= 0x20 && b <= 0x7E) || b == 0x09 || b == 0x0A || b == 0x0D {
			count++
		}
	}
	return count
}
