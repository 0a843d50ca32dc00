package serial

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	bugserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var ErrNoDevice = errors.New("serial: no device found")

// autoDetectPrefixes are the device names tried by auto-detection, in order.
var autoDetectPrefixes = []string{"/dev/ttyUSB", "/dev/ttyACM"}

// PortInfo describes one candidate device.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts enumerates serial devices with USB details where the platform
// provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}
	names, err := bugserial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]PortInfo, 0, len(names))
	for _, name := range names {
		out = append(out, PortInfo{Name: name})
	}
	return out, nil
}

// PickDevice returns the first name matching an auto-detect prefix.
func PickDevice(names []string) (string, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, prefix := range autoDetectPrefixes {
		for _, name := range sorted {
			if strings.HasPrefix(name, prefix) {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrNoDevice, strings.Join(autoDetectPrefixes, "*, ")+"*")
}

// AutoDetect picks a device from the live port list.
func AutoDetect() (string, error) {
	names, err := bugserial.GetPortsList()
	if err != nil {
		return "", err
	}
	return PickDevice(names)
}

// OpenDevice opens device at baud, 8N1. Reads return after readTimeout with
// no data so the reader can notice a close.
func OpenDevice(device string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	mode := &bugserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	}
	port, err := bugserial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			_ = port.Close()
			return nil, err
		}
	}
	_ = port.ResetInputBuffer()
	return port, nil
}
