// Package ble declares the host "central" capability the link layer drives.
// Adapters implement it on top of a platform BLE stack; the link layer never
// reaches past these interfaces.
package ble

import "errors"

// Nordic UART service used by both arms: TX is written, RX notifies.
const (
	UARTServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UARTTXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	UARTRXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

var (
	ErrServiceNotFound = errors.New("ble: uart service or characteristics not found")
	ErrNotConnected    = errors.New("ble: peripheral not connected")
	ErrUnknownAddress  = errors.New("ble: address not seen in scan")
	ErrClosed          = errors.New("ble: connection closed")
)

// Advertisement is one scan result.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
}

// Central is the platform capability: scan, bond, connect.
//
// Every callback may arrive on any goroutine. Implementations must not invoke
// a Handler before Connect has returned.
type Central interface {
	StartScan(found func(Advertisement)) error
	StopScan() error
	// Bond starts pairing with addr and reports the outcome once through result.
	Bond(addr string, result func(error))
	RemoveBond(addr string) error
	// Connect starts opening a connection; progress is reported through h.
	Connect(addr string, h Handler) (Conn, error)
}

// Conn is one open (or opening) peripheral connection.
type Conn interface {
	// DiscoverServices locates the UART service; completion goes to
	// Handler.ServicesDiscovered.
	DiscoverServices()
	// Subscribe enables RX notifications. Valid after discovery succeeded.
	Subscribe() error
	// Write queues p on TX; completion goes to Handler.WriteComplete with
	// the same id.
	Write(id uint64, p []byte) error
	Close() error
}

// Handler receives asynchronous peripheral events.
type Handler interface {
	ConnectionChanged(connected bool, err error)
	ServicesDiscovered(err error)
	WriteComplete(id uint64, err error)
	Notification(p []byte)
}
