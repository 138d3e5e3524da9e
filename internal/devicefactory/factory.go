package devicefactory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/transport"
	"github.com/srg/blesession/internal/transport/goble"
	"github.com/srg/blesession/internal/transport/tinygo"
)

const (
	// KindGoBLE selects the go-ble backend (HCI on Linux, CoreBluetooth on macOS).
	KindGoBLE = "goble"
	// KindTinyGo selects the tinygo.org/x/bluetooth backend (BlueZ, CoreBluetooth, WinRT).
	KindTinyGo = "tinygo"
)

// Constructors maps a backend name to its constructor.
// This is a variable so that it can be overridden in tests.
var Constructors = map[string]func(logger *logrus.Logger) transport.Transport{
	KindGoBLE:  func(l *logrus.Logger) transport.Transport { return goble.New(l) },
	KindTinyGo: func(l *logrus.Logger) transport.Transport { return tinygo.New(l) },
}

// New creates the transport registered under kind.
func New(kind string, logger *logrus.Logger) (transport.Transport, error) {
	ctor, ok := Constructors[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q (available: %s)", kind, strings.Join(Kinds(), ", "))
	}
	return ctor(logger), nil
}

// Kinds lists the registered backend names.
func Kinds() []string {
	kinds := make([]string, 0, len(Constructors))
	for k := range Constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
