// Package mockservers provides httptest mock servers for the remote ilix API.
package mockservers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// wireEnvelope mirrors the server's uniform response shape: the data document
// is serialized to JSON and then embedded as a string.
type wireEnvelope struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason,omitempty"`
	Data       string `json:"data,omitempty"`
}

// wirePool is the pool document as the server emits it.
type wirePool struct {
	PoolName        string            `json:"pool_name"`
	DevicesID       []string          `json:"devices_id"`
	DevicesIDToName map[string]string `json:"devices_id_to_name"`
}

// wireTransfer is the transfer document as the server emits it.
type wireTransfer struct {
	ID      string   `json:"_id"`
	To      string   `json:"to"`
	From    string   `json:"from"`
	FilesID []string `json:"files_id"`
}

// storedFile holds one uploaded file plus the extended-JSON metadata the
// info endpoint serves for it.
type storedFile struct {
	Filename string
	Content  []byte
	UploadMs int64
}

// IlixMockServer emulates the remote ilix server: the enveloped REST API and
// the websocket push endpoint, backed by seedable in-memory state.
type IlixMockServer struct {
	Server *httptest.Server
	t      *testing.T

	mu        sync.Mutex
	pools     map[string]wirePool       // key-phrase -> pool
	transfers map[string][]wireTransfer // key-phrase -> inbox
	files     map[string]storedFile     // file id -> file
	nextKP    int
	nextID    int

	upgrader websocket.Upgrader
	wsConns  []*websocket.Conn
}

// NewIlixMockServer starts a mock ilix server, closed on test cleanup.
func NewIlixMockServer(t *testing.T) *IlixMockServer {
	t.Helper()

	m := &IlixMockServer{
		t:         t,
		pools:     make(map[string]wirePool),
		transfers: make(map[string][]wireTransfer),
		files:     make(map[string]storedFile),
	}

	r := chi.NewRouter()
	r.Post("/pool/new", m.handleCreatePool)
	r.Put("/pool/{keyPhrase}/join", m.handleJoinPool)
	r.Get("/pool/{keyPhrase}", m.handleGetPool)
	r.Delete("/pool/{keyPhrase}/leave", m.handleLeavePool)
	r.Delete("/pool/{keyPhrase}", m.handleDeletePool)
	r.Get("/file-transfer/{keyPhrase}/{deviceID}/all", m.handleListTransfers)
	r.Post("/file-transfer/{keyPhrase}/new", m.handleNewTransfer)
	r.Post("/file-transfer/{keyPhrase}/{transferID}/add_files", m.handleAddFiles)
	r.Delete("/file-transfer/{keyPhrase}/{deviceID}/{transferID}", m.handleDeleteTransfer)
	r.Get("/files/info", m.handleFilesInfo)
	r.Get("/file/{fileID}", m.handleDownload)
	r.Delete("/file/{fileID}", m.handleDeleteFile)
	r.Get("/events", m.handleEvents)

	m.Server = httptest.NewServer(r)
	t.Cleanup(m.Server.Close)
	return m
}

// URL returns the server base URL.
func (m *IlixMockServer) URL() string { return m.Server.URL }

func writeEnvelope(w http.ResponseWriter, status int, reason string, data any) {
	env := wireEnvelope{Success: reason == "", StatusCode: status, Reason: reason}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		env.Data = string(raw)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// -----------------------------------------------------------------------------
// Seeding and inspection
// -----------------------------------------------------------------------------

// SeedPool installs a pool behind keyPhrase.
func (m *IlixMockServer) SeedPool(keyPhrase, name string, devices map[string]string) {
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[keyPhrase] = wirePool{PoolName: name, DevicesID: ids, DevicesIDToName: devices}
}

// SeedTransfer appends a transfer to keyPhrase's inbox and returns its id.
func (m *IlixMockServer) SeedTransfer(keyPhrase, from, to string, filesID []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("transfer-%d", m.nextID)
	m.transfers[keyPhrase] = append(m.transfers[keyPhrase], wireTransfer{
		ID: id, To: to, From: from, FilesID: filesID,
	})
	return id
}

// SeedFile installs one downloadable file and its metadata.
func (m *IlixMockServer) SeedFile(id, filename string, content []byte, uploadMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[id] = storedFile{Filename: filename, Content: content, UploadMs: uploadMs}
}

// PoolDevices returns the member ids of the pool behind keyPhrase.
func (m *IlixMockServer) PoolDevices(keyPhrase string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pools[keyPhrase].DevicesID...)
}

// -----------------------------------------------------------------------------
// Pool handlers
// -----------------------------------------------------------------------------

func (m *IlixMockServer) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" || body.DeviceID == "" {
		writeEnvelope(w, http.StatusBadRequest, "transport", nil)
		return
	}

	m.mu.Lock()
	m.nextKP++
	words := make([]string, 20)
	for i := range words {
		words[i] = fmt.Sprintf("word%dn%d", m.nextKP, i)
	}
	keyPhrase := strings.Join(words, "-")
	m.pools[keyPhrase] = wirePool{
		PoolName:        body.Name,
		DevicesID:       []string{body.DeviceID},
		DevicesIDToName: map[string]string{body.DeviceID: body.DeviceName},
	}
	m.mu.Unlock()

	writeEnvelope(w, http.StatusOK, "", keyPhrase)
}

func (m *IlixMockServer) handleJoinPool(w http.ResponseWriter, r *http.Request) {
	keyPhrase := chi.URLParam(r, "keyPhrase")
	var body struct {
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		writeEnvelope(w, http.StatusBadRequest, "transport", nil)
		return
	}

	m.mu.Lock()
	pool, ok := m.pools[keyPhrase]
	if !ok {
		m.mu.Unlock()
		writeEnvelope(w, http.StatusNotFound, "PoolNotFound", nil)
		return
	}
	for _, id := range pool.DevicesID {
		if id == body.DeviceID {
			m.mu.Unlock()
			writeEnvelope(w, http.StatusConflict, "AlreadyInPool", nil)
			return
		}
	}
	pool.DevicesID = append(pool.DevicesID, body.DeviceID)
	pool.DevicesIDToName[body.DeviceID] = body.DeviceName
	m.pools[keyPhrase] = pool
	m.mu.Unlock()

	writeEnvelope(w, http.StatusOK, "", pool)
}

func (m *IlixMockServer) handleGetPool(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	pool, ok := m.pools[chi.URLParam(r, "keyPhrase")]
	m.mu.Unlock()
	if !ok {
		writeEnvelope(w, http.StatusNotFound, "PoolNotFound", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, "", pool)
}

func (m *IlixMockServer) handleLeavePool(w http.ResponseWriter, r *http.Request) {
	keyPhrase := chi.URLParam(r, "keyPhrase")
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "transport", nil)
		return
	}

	m.mu.Lock()
	pool, ok := m.pools[keyPhrase]
	if !ok {
		m.mu.Unlock()
		writeEnvelope(w, http.StatusNotFound, "PoolNotFound", nil)
		return
	}
	member := false
	kept := pool.DevicesID[:0:0]
	for _, id := range pool.DevicesID {
		if id == body.DeviceID {
			member = true
			continue
		}
		kept = append(kept, id)
	}
	if !member {
		m.mu.Unlock()
		writeEnvelope(w, http.StatusForbidden, "NotInPool", nil)
		return
	}
	pool.DevicesID = kept
	delete(pool.DevicesIDToName, body.DeviceID)
	m.pools[keyPhrase] = pool
	m.mu.Unlock()

	writeEnvelope(w, http.StatusOK, "", "left")
}

func (m *IlixMockServer) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	keyPhrase := chi.URLParam(r, "keyPhrase")
	m.mu.Lock()
	_, ok := m.pools[keyPhrase]
	delete(m.pools, keyPhrase)
	delete(m.transfers, keyPhrase)
	m.mu.Unlock()
	if !ok {
		writeEnvelope(w, http.StatusNotFound, "PoolNotFound", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, "", "deleted")
}

// -----------------------------------------------------------------------------
// Transfer handlers
// -----------------------------------------------------------------------------

func (m *IlixMockServer) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	keyPhrase := chi.URLParam(r, "keyPhrase")
	deviceID := chi.URLParam(r, "deviceID")

	m.mu.Lock()
	if _, ok := m.pools[keyPhrase]; !ok {
		m.mu.Unlock()
		writeEnvelope(w, http.StatusNotFound, "PoolNotFound", nil)
		return
	}
	visible := make([]wireTransfer, 0)
	for _, t := range m.transfers[keyPhrase] {
		if t.To == deviceID || t.From == deviceID {
			visible = append(visible, t)
		}
	}
	m.mu.Unlock()

	writeEnvelope(w, http.StatusOK, "", visible)
}

func (m *IlixMockServer) handleNewTransfer(w http.ResponseWriter, r *http.Request) {
	keyPhrase := chi.URLParam(r, "keyPhrase")
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeEnvelope(w, http.StatusBadRequest, "transport", nil)
		return
	}

	m.mu.Lock()
	if _, ok := m.pools[keyPhrase]; !ok {
		m.mu.Unlock()
		writeEnvelope(w, http.StatusNotFound, "PoolNotFound", nil)
		return
	}
	m.nextID++
	id := fmt.Sprintf("transfer-%d", m.nextID)
	m.transfers[keyPhrase] = append(m.transfers[keyPhrase], wireTransfer{
		ID: id, To: to, From: from, FilesID: []string{},
	})
	m.mu.Unlock()

	writeEnvelope(w, http.StatusOK, "", id)
}

func (m *IlixMockServer) handleAddFiles(w http.ResponseWriter, r *http.Request) {
	keyPhrase := chi.URLParam(r, "keyPhrase")
	transferID := chi.URLParam(r, "transferID")

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "transport", nil)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inbox := m.transfers[keyPhrase]
	for i, t := range inbox {
		if t.ID != transferID {
			continue
		}
		for _, fh := range r.MultipartForm.File["files"] {
			m.nextID++
			fileID := fmt.Sprintf("file-%d", m.nextID)
			f, err := fh.Open()
			if err != nil {
				writeEnvelope(w, http.StatusBadRequest, "transport", nil)
				return
			}
			content := make([]byte, fh.Size)
			f.Read(content)
			f.Close()
			m.files[fileID] = storedFile{Filename: fh.Filename, Content: content}
			t.FilesID = append(t.FilesID, fileID)
		}
		inbox[i] = t
		writeEnvelope(w, http.StatusOK, "", t.FilesID)
		return
	}
	writeEnvelope(w, http.StatusNotFound, "transport", nil)
}

func (m *IlixMockServer) handleDeleteTransfer(w http.ResponseWriter, r *http.Request) {
	keyPhrase := chi.URLParam(r, "keyPhrase")
	transferID := chi.URLParam(r, "transferID")

	m.mu.Lock()
	inbox := m.transfers[keyPhrase]
	kept := inbox[:0:0]
	found := false
	for _, t := range inbox {
		if t.ID == transferID {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	m.transfers[keyPhrase] = kept
	m.mu.Unlock()

	if !found {
		writeEnvelope(w, http.StatusNotFound, "transport", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, "", "deleted")
}

// -----------------------------------------------------------------------------
// File handlers
// -----------------------------------------------------------------------------

func (m *IlixMockServer) handleFilesInfo(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("files_ids"), ",")

	m.mu.Lock()
	infos := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		f, ok := m.files[id]
		if !ok {
			continue
		}
		// Extended-JSON shape, the way the real backing store serializes it.
		infos = append(infos, map[string]any{
			"_id":       map[string]string{"$oid": id},
			"filename":  f.Filename,
			"chunkSize": 261120,
			"length":    len(f.Content),
			"uploadDate": map[string]any{
				"$date": map[string]string{"$numberLong": fmt.Sprintf("%d", f.UploadMs)},
			},
		})
	}
	m.mu.Unlock()

	writeEnvelope(w, http.StatusOK, "", infos)
}

func (m *IlixMockServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key_phrase") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	m.mu.Lock()
	f, ok := m.files[chi.URLParam(r, "fileID")]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
	w.WriteHeader(http.StatusOK)
	w.Write(f.Content)
}

func (m *IlixMockServer) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fileID")
	m.mu.Lock()
	_, ok := m.files[id]
	delete(m.files, id)
	m.mu.Unlock()
	if !ok {
		writeEnvelope(w, http.StatusNotFound, "transport", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, "", "deleted")
}

// -----------------------------------------------------------------------------
// Push endpoint
// -----------------------------------------------------------------------------

func (m *IlixMockServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("device_id") == "" || r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.wsConns = append(m.wsConns, conn)
	m.mu.Unlock()

	conn.WriteJSON(map[string]any{"event": "connected"})
}

func (m *IlixMockServer) broadcast(event string, data any) {
	m.mu.Lock()
	conns := append([]*websocket.Conn(nil), m.wsConns...)
	m.mu.Unlock()
	for _, conn := range conns {
		conn.WriteJSON(map[string]any{"event": event, "data": data})
	}
}

// PushPool broadcasts a pool update frame to every connected channel.
func (m *IlixMockServer) PushPool(pool map[string]any) {
	m.broadcast("pool", map[string]any{"Pool": pool})
}

// PushTransfer broadcasts a transfer update frame.
func (m *IlixMockServer) PushTransfer(transfer map[string]any) {
	m.broadcast("transfer", map[string]any{"Transfer": transfer})
}

// PushLogout broadcasts a logout frame.
func (m *IlixMockServer) PushLogout() {
	m.broadcast("logout", nil)
}

// CloseChannels closes every live websocket, simulating a server restart.
func (m *IlixMockServer) CloseChannels() {
	m.mu.Lock()
	conns := m.wsConns
	m.wsConns = nil
	m.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}
