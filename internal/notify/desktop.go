package notify

import (
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
)

// DesktopAppID identifies the program to the platform notification service.
const DesktopAppID = "io.github.javanstorm.devtray"

// Desktop shows notifications through the platform notification service.
// Notification activation is not reported by the toolkit, so OnClick is
// ignored; pair Desktop with another sink through Multi when clicks matter.
type Desktop struct {
	once sync.Once
	app  fyne.App
}

// NewDesktop returns a desktop sink. The toolkit application is created on
// first use.
func NewDesktop() *Desktop {
	return &Desktop{}
}

// Send posts n to the desktop.
func (d *Desktop) Send(n Notification) {
	d.once.Do(func() {
		d.app = app.NewWithID(DesktopAppID)
	})
	d.app.SendNotification(fyne.NewNotification(n.Title, n.Body))
}
