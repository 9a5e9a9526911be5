package cmd

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/jingcjie/WDCableWUI/event"
	"github.com/jingcjie/WDCableWUI/models"
)

// eventConsole renders application events for the run command: log
// lines for lifecycle events, a progress bar for transfers when stdout
// is a terminal, and the auto-accept decision for inbound requests.
type eventConsole struct {
	logger     *logrus.Logger
	autoAccept bool
	isTTY      bool

	bar     *progressbar.ProgressBar
	barName string
}

func newEventConsole(logger *logrus.Logger, autoAccept bool) *eventConsole {
	return &eventConsole{
		logger:     logger,
		autoAccept: autoAccept,
		isTTY:      term.IsTerminal(int(os.Stdout.Fd())),
	}
}

func (c *eventConsole) handle(ev event.Event) {
	switch ev.Type {
	case event.TypeStatusChanged:
		c.logger.Infof("%s", ev.Text)
	case event.TypeErrorOccurred:
		c.logger.Errorf("%s", ev.Text)
	case event.TypeDeviceDiscovered:
		if ev.Device != nil {
			c.logger.Infof("Device available: %s (%s)", ev.Device.Name, ev.Device.Addr)
		}
	case event.TypeDeviceLost:
		if ev.Device != nil {
			c.logger.Infof("Device gone: %s", ev.Device.Name)
		}
	case event.TypeConnectionRequest:
		c.decide(ev.Request)
	case event.TypeDeviceLinked:
		if ev.Device != nil && ev.Link != nil {
			c.logger.Infof("Linked with %s as %s", ev.Device.Name, ev.Link.Role)
		}
	case event.TypeDeviceUnlinked:
		c.finishProgress()
		c.logger.Infof("Link closed")
	case event.TypeChannelsReady:
		c.logger.Infof("All channels ready")
	case event.TypePeerAppNotRunning:
		c.logger.Warnf("%s", ev.Text)
	case event.TypeMessageReceived:
		c.logger.Infof("Message from peer: %s", ev.Message)
	case event.TypeFileReceiveStart:
		if ev.File != nil {
			c.logger.Infof("Receiving %s (%d bytes)", ev.File.Name, ev.File.Size)
		}
	case event.TypeTransferProgress:
		c.renderProgress(ev.Progress)
	case event.TypeFileSent:
		c.finishProgress()
		if ev.File != nil {
			c.logger.Infof("Sent %s (%d bytes)", ev.File.Name, ev.File.Size)
		}
	case event.TypeFileReceived:
		c.finishProgress()
		if ev.File != nil {
			c.logger.Infof("Received %s -> %s", ev.File.Name, ev.File.Path)
		}
	case event.TypeUploadCompleted:
		c.reportSpeed("Upload", ev.Speed)
	case event.TypeDownloadCompleted:
		c.reportSpeed("Download", ev.Speed)
	}
}

func (c *eventConsole) decide(request *event.ConnectionRequest) {
	if request == nil {
		return
	}
	if c.autoAccept {
		c.logger.Infof("Accepting link request from %s", request.Device.Name)
		request.Respond(true)
		return
	}
	c.logger.Infof("Declining link request from %s (auto-accept disabled)", request.Device.Name)
	request.Respond(false)
}

func (c *eventConsole) reportSpeed(direction string, result *models.SpeedTestResult) {
	if result == nil {
		return
	}
	if !result.Success {
		c.logger.Errorf("%s test failed: %s", direction, result.Error)
		return
	}
	c.logger.Infof("%s test: %.2f Mbps (%d bytes in %s)", direction, result.Mbps, result.DataSize, result.Duration)
}

// renderProgress draws one bar per transfer. A different file name
// retires the previous bar; repeated updates move the same one.
func (c *eventConsole) renderProgress(progress *models.TransferProgress) {
	if progress == nil || !c.isTTY {
		return
	}
	if c.bar == nil || c.barName != progress.Name {
		c.finishProgress()
		verb := "Sending"
		if progress.Direction == models.TransferDirectionReceive {
			verb = "Receiving"
		}
		c.bar = progressbar.DefaultBytes(progress.Total, fmt.Sprintf("%s %s", verb, progress.Name))
		c.barName = progress.Name
	}
	_ = c.bar.Set64(progress.Bytes)
}

func (c *eventConsole) finishProgress() {
	if c.bar == nil {
		return
	}
	_ = c.bar.Finish()
	c.bar = nil
	c.barName = ""
}
