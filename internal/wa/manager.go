package wa

import (
	"context"
	"fmt"
	"sync"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Manager owns the single WhatsApp client: device storage, pairing, the
// connection lifecycle, and fan-out of incoming message events.
type Manager struct {
	Container    *sqlstore.Container
	Client       *whatsmeow.Client
	ClientLogger waLog.Logger

	mu            sync.Mutex
	pairingActive bool
	readyFns      []func()
	messageFns    []func(*events.Message)
}

// NewManager loads (or creates) the device from the shared sqlite DSN and
// builds the client. Connect is not called here.
func NewManager(ctx context.Context, dsn string) (*Manager, error) {
	dbLog := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, err
	}
	clientLog := waLog.Stdout("WhatsApp", "INFO", true)
	m := &Manager{
		Container:    container,
		Client:       whatsmeow.NewClient(device, clientLog),
		ClientLogger: clientLog,
	}
	m.Client.AddEventHandler(m.handleEvent)
	return m, nil
}

func (m *Manager) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		m.ClientLogger.Infof("client connected and ready")
		m.mu.Lock()
		fns := append([]func(){}, m.readyFns...)
		m.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	case *events.Disconnected:
		m.ClientLogger.Warnf("client disconnected, waiting for auto-reconnect")
	case *events.LoggedOut:
		m.ClientLogger.Warnf("client logged out, pairing required again")
	case *events.Message:
		m.mu.Lock()
		fns := append([]func(*events.Message){}, m.messageFns...)
		m.mu.Unlock()
		for _, fn := range fns {
			fn(e)
		}
	}
}

// OnReady registers a hook invoked every time the client reaches the
// connected state. The scheduler engine initializes through this hook.
func (m *Manager) OnReady(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyFns = append(m.readyFns, fn)
}

// AddMessageHandler registers a handler for incoming message events.
func (m *Manager) AddMessageHandler(fn func(*events.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageFns = append(m.messageFns, fn)
}

// Connect connects when the device is already paired.
func (m *Manager) Connect() error {
	if m.Client.Store.ID == nil {
		return fmt.Errorf("not paired, scan the QR code first")
	}
	return m.Client.Connect()
}

// ConnectOrPair connects; without a paired device it starts the QR login
// flow in the background so /api/pair/qr can serve the code.
func (m *Manager) ConnectOrPair() error {
	if m.Client.Store.ID != nil {
		return m.Client.Connect()
	}
	m.ClientLogger.Infof("no paired device, QR pairing required via /api/pair/qr")
	return nil
}

// PairQR starts (or joins) the QR pairing flow and returns the current QR
// code as a PNG. Safe to call repeatedly while waiting for a scan.
func (m *Manager) PairQR(ctx context.Context) ([]byte, string, error) {
	if m.Client.Store.ID != nil {
		return nil, "", fmt.Errorf("already paired")
	}

	// Connect only once while pairing is in flight for this device.
	m.mu.Lock()
	if !m.pairingActive {
		m.ClientLogger.Infof("pair:qr: start connect")
		m.pairingActive = true
		go func() {
			if err := m.Client.Connect(); err != nil {
				m.ClientLogger.Errorf("pair:qr: connect err: %v", err)
			}
		}()
	}
	m.mu.Unlock()

	// Background context keeps the QR websocket alive after the HTTP
	// handler that requested the code returns.
	qrChan, _ := m.Client.GetQRChannel(context.Background())
	m.ClientLogger.Infof("pair:qr: waiting for code")

	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				m.ClientLogger.Errorf("pair:qr: channel closed")
				return nil, "", fmt.Errorf("qr channel closed")
			}
			if item.Event == "code" && item.Code != "" {
				png, err := qrcode.Encode(item.Code, qrcode.Medium, 256)
				if err != nil {
					return nil, "", err
				}
				m.ClientLogger.Infof("pair:qr: got code len=%d", len(item.Code))
				return png, item.Code, nil
			}
		case <-ctx.Done():
			m.ClientLogger.Errorf("pair:qr: timeout/cancel: %v", ctx.Err())
			return nil, "", ctx.Err()
		}
	}
}

// Restart drops the connection and reconnects (admin restart endpoint).
func (m *Manager) Restart() error {
	m.Client.Disconnect()
	return m.Connect()
}

// Logout ends the session; a new QR pairing is required afterwards.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.pairingActive = false
	m.mu.Unlock()
	return m.Client.Logout(ctx)
}

// IsPaired reports whether a device identity exists.
func (m *Manager) IsPaired() bool { return m.Client.Store.ID != nil }

// IsConnected reports whether the websocket is up.
func (m *Manager) IsConnected() bool { return m.Client.IsConnected() }

// DownloadMedia fetches the attachment payload of an incoming message.
func (m *Manager) DownloadMedia(ctx context.Context, msg *waProto.Message) ([]byte, error) {
	return m.Client.DownloadAny(ctx, msg)
}
