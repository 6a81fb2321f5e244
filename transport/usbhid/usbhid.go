// Package usbhid is the USB HID backend: fixed-size report I/O plus device
// enumeration. The transport guarantees ordered delivery of whole reports
// only; payloads larger than one report are chunked by the protocol
// adapters.
package usbhid

import (
	"fmt"

	"github.com/karalabe/hid"

	"github.com/coldsign-io/coldsign/hwi"
)

// ReportSize is the report length used by all supported signers.
const ReportSize = 64

// DeviceInfo describes one enumerated HID endpoint.
type DeviceInfo struct {
	Path      string
	VendorID  uint16
	ProductID uint16
	Serial    string
	Product   string

	info hid.DeviceInfo
}

// Supported reports whether HID enumeration works on this platform.
func Supported() bool {
	return hid.Supported()
}

// Enumerate lists HID endpoints matching vendorID/productID; zero matches
// any.
func Enumerate(vendorID, productID uint16) []DeviceInfo {
	var out []DeviceInfo
	for _, info := range hid.Enumerate(vendorID, productID) {
		out = append(out, DeviceInfo{
			Path:      info.Path,
			VendorID:  info.VendorID,
			ProductID: info.ProductID,
			Serial:    info.Serial,
			Product:   info.Product,
			info:      info,
		})
	}
	return out
}

// Open claims the endpoint exclusively and returns its report connection.
func (d DeviceInfo) Open() (*Conn, error) {
	dev, err := d.info.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open hid %s: %v", hwi.ErrDeviceNotFound, d.Path, err)
	}
	return &Conn{dev: dev}, nil
}

// Conn is one opened HID report channel.
type Conn struct {
	dev *hid.Device
}

// FrameSize reports the fixed report length.
func (c *Conn) FrameSize() int { return ReportSize }

// WriteFrame sends exactly one report. Shorter frames are zero-padded; the
// leading 0x00 is the report number the OS HID layer expects.
func (c *Conn) WriteFrame(frame []byte) error {
	if len(frame) > ReportSize {
		return fmt.Errorf("report too large: %d > %d", len(frame), ReportSize)
	}
	report := make([]byte, ReportSize+1)
	copy(report[1:], frame)
	if _, err := c.dev.Write(report); err != nil {
		return fmt.Errorf("hid write: %w", err)
	}
	return nil
}

// ReadFrame blocks until one whole report arrives.
func (c *Conn) ReadFrame() ([]byte, error) {
	report := make([]byte, ReportSize)
	n, err := c.dev.Read(report)
	if err != nil {
		return nil, fmt.Errorf("hid read: %w", err)
	}
	return report[:n], nil
}

// Close releases the endpoint.
func (c *Conn) Close() error {
	return c.dev.Close()
}
