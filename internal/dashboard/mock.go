package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/cuixiaotu/lbdm/internal/models"
)

// MockCall records one call made against a MockClient.
type MockCall struct {
	Method    string
	AccountID string
	RoomID    string
	Window    models.TimeWindow
}

// MockClient is an in-memory Client for tests and local runs without a
// dashboard. Facet calls return small canned payloads.
type MockClient struct {
	mu          sync.Mutex
	rooms       map[string][]models.RoomInfo
	attributes  map[string]models.RoomAttributes
	accountErrs map[string]error
	methodErrs  map[string]error
	calls       []MockCall
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{
		rooms:       make(map[string][]models.RoomInfo),
		attributes:  make(map[string]models.RoomAttributes),
		accountErrs: make(map[string]error),
		methodErrs:  make(map[string]error),
	}
}

// SetRooms sets the live-room listing returned for an account.
func (m *MockClient) SetRooms(accountID string, rooms ...models.RoomInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[accountID] = rooms
}

// SetAttributes sets what RoomStatus returns for a room.
func (m *MockClient) SetAttributes(attrs models.RoomAttributes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attributes[attrs.RoomID] = attrs
}

// FailAccount makes every call for accountID return err. A nil err clears it.
func (m *MockClient) FailAccount(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.accountErrs, accountID)
		return
	}
	m.accountErrs[accountID] = err
}

// FailMethod makes every call to method return err. A nil err clears it.
func (m *MockClient) FailMethod(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.methodErrs, method)
		return
	}
	m.methodErrs[method] = err
}

// Calls returns every call recorded so far.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns the recorded calls to method.
func (m *MockClient) CallsTo(method string) []MockCall {
	var out []MockCall
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockClient) record(method string, session models.Session, roomID string, window models.TimeWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, AccountID: session.AccountID, RoomID: roomID, Window: window})
	if err, ok := m.accountErrs[session.AccountID]; ok {
		return err
	}
	if err, ok := m.methodErrs[method]; ok {
		return err
	}
	return nil
}

func (m *MockClient) Probe(ctx context.Context, session models.Session) error {
	return m.record("Probe", session, "", models.TimeWindow{})
}

func (m *MockClient) AccountInfo(ctx context.Context, session models.Session) (AccountProfile, error) {
	if err := m.record("AccountInfo", session, "", models.TimeWindow{}); err != nil {
		return AccountProfile{}, err
	}
	return AccountProfile{UserID: session.AccountID, OrganizationID: session.OrganizationID}, nil
}

func (m *MockClient) ListRooms(ctx context.Context, session models.Session) ([]models.RoomInfo, error) {
	if err := m.record("ListRooms", session, "", models.TimeWindow{}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]models.RoomInfo, len(m.rooms[session.AccountID]))
	copy(rooms, m.rooms[session.AccountID])
	return rooms, nil
}

func (m *MockClient) RoomStatus(ctx context.Context, session models.Session, roomID string) (models.RoomAttributes, error) {
	if err := m.record("RoomStatus", session, roomID, models.TimeWindow{}); err != nil {
		return models.RoomAttributes{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if attrs, ok := m.attributes[roomID]; ok {
		return attrs, nil
	}
	return models.RoomAttributes{RoomID: roomID, Status: "4"}, nil
}

func (m *MockClient) RoomMetrics(ctx context.Context, session models.Session, q models.RoomQuery) (models.RoomMetrics, error) {
	if err := m.record("RoomMetrics", session, q.RoomID, q.Window); err != nil {
		return models.RoomMetrics{}, err
	}
	return models.RoomMetrics{WatchUV: 100, WatchPV: 180, MaxOnline: 42, GMV: 99.5}, nil
}

func (m *MockClient) Flow(ctx context.Context, session models.Session, q models.RoomQuery, scope models.FlowScope) ([]models.FlowItem, error) {
	if err := m.record("Flow", session, q.RoomID, q.Window); err != nil {
		return nil, err
	}
	return []models.FlowItem{
		{Channel: "feed", WatchUV: 70, Ratio: 0.7},
		{Channel: "search", WatchUV: 30, Ratio: 0.3},
	}, nil
}

func (m *MockClient) MinuteMetrics(ctx context.Context, session models.Session, q models.RoomQuery) ([]models.MinutePoint, error) {
	if err := m.record("MinuteMetrics", session, q.RoomID, q.Window); err != nil {
		return nil, err
	}
	minute := q.Window.End.Truncate(time.Minute)
	return []models.MinutePoint{
		{Minute: minute.Add(-time.Minute), Online: 40},
		{Minute: minute, Online: 42},
	}, nil
}

func (m *MockClient) MinuteWatch(ctx context.Context, session models.Session, q models.RoomQuery) ([]models.MinuteWatchPoint, error) {
	if err := m.record("MinuteWatch", session, q.RoomID, q.Window); err != nil {
		return nil, err
	}
	return []models.MinuteWatchPoint{{Minute: q.Window.End.Truncate(time.Minute), WatchCount: 180}}, nil
}

func (m *MockClient) Comments(ctx context.Context, session models.Session, q models.RoomQuery) ([]models.Comment, error) {
	if err := m.record("Comments", session, q.RoomID, q.Window); err != nil {
		return nil, err
	}
	return []models.Comment{{CommentID: q.RoomID + "-c1", Content: "hello", CreatedAt: q.Window.End}}, nil
}

func (m *MockClient) UserImage(ctx context.Context, session models.Session, q models.RoomQuery, dimension models.ImageDimension) ([]models.ImageBucket, error) {
	if err := m.record("UserImage", session, q.RoomID, q.Window); err != nil {
		return nil, err
	}
	return []models.ImageBucket{{Label: string(dimension) + "-a", Count: 10, Ratio: 1}}, nil
}
