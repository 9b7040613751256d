package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/testutil"
	"github.com/Ilingu/ilix/internal/testutil/mockservers"
)

func testClient(t *testing.T) (*Client, *mockservers.IlixMockServer) {
	t.Helper()
	mock := mockservers.NewIlixMockServer(t)
	return NewClient(mock.URL(), 5*time.Second), mock
}

func TestCreateAndGetPool(t *testing.T) {
	client, _ := testClient(t)
	ctx := testutil.TestContext(t)

	keyPhrase, err := client.CreatePool(ctx, "home", "device-1", "laptop")
	require.NoError(t, err)
	assert.True(t, core.ValidKeyPhrase(keyPhrase))

	pool, err := client.GetPool(ctx, keyPhrase)
	require.NoError(t, err)
	assert.Equal(t, "home", pool.PoolName)
	assert.Equal(t, []string{"device-1"}, pool.DevicesID)
	name, ok := pool.DeviceName("device-1")
	assert.True(t, ok)
	assert.Equal(t, "laptop", name)
}

func TestCreatePoolValidatesArguments(t *testing.T) {
	client, _ := testClient(t)
	ctx := testutil.TestContext(t)

	for _, args := range [][3]string{
		{"", "device-1", "laptop"},
		{"home", "", "laptop"},
		{"home", "device-1", ""},
	} {
		_, err := client.CreatePool(ctx, args[0], args[1], args[2])
		assert.ErrorIs(t, err, core.ErrEmptyArgument)
	}
}

func TestGetPoolNotFound(t *testing.T) {
	client, _ := testClient(t)
	_, err := client.GetPool(testutil.TestContext(t), testutil.KeyPhrase("ghost"))
	assert.ErrorIs(t, err, core.ErrPoolNotFound)
}

func TestJoinPool(t *testing.T) {
	client, mock := testClient(t)
	ctx := testutil.TestContext(t)

	keyPhrase := testutil.KeyPhrase("join")
	mock.SeedPool(keyPhrase, "shared", map[string]string{"device-1": "laptop"})

	pool, err := client.JoinPool(ctx, keyPhrase, "device-2", "phone")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"device-1", "device-2"}, pool.DevicesID)

	// Joining again yields the membership sentinel, not a generic failure.
	_, err = client.JoinPool(ctx, keyPhrase, "device-2", "phone")
	assert.ErrorIs(t, err, core.ErrAlreadyInPool)
}

func TestJoinPoolValidatesKeyPhrase(t *testing.T) {
	client, _ := testClient(t)
	_, err := client.JoinPool(testutil.TestContext(t), "too-short", "device-1", "laptop")
	assert.ErrorIs(t, err, core.ErrInvalidKeyPhrase)
}

func TestLeavePool(t *testing.T) {
	client, mock := testClient(t)
	ctx := testutil.TestContext(t)

	keyPhrase := testutil.KeyPhrase("leave")
	mock.SeedPool(keyPhrase, "shared", map[string]string{"device-1": "laptop", "device-2": "phone"})

	require.NoError(t, client.LeavePool(ctx, keyPhrase, "device-2"))
	assert.Equal(t, []string{"device-1"}, mock.PoolDevices(keyPhrase))

	// A device that is not a member gets the membership sentinel.
	assert.ErrorIs(t, client.LeavePool(ctx, keyPhrase, "stranger"), core.ErrNotInPool)
}

func TestListTransfers(t *testing.T) {
	client, mock := testClient(t)
	ctx := testutil.TestContext(t)

	keyPhrase := testutil.KeyPhrase("inbox")
	mock.SeedPool(keyPhrase, "shared", map[string]string{"device-1": "laptop", "device-2": "phone"})
	id := mock.SeedTransfer(keyPhrase, "device-2", "device-1", []string{"file-a"})
	mock.SeedTransfer(keyPhrase, "device-3", "device-4", []string{"file-b"}) // not visible

	transfers, err := client.ListTransfers(ctx, keyPhrase, "device-1")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, id, transfers[0].ID)
	assert.Equal(t, "device-1", transfers[0].To)
	assert.Equal(t, []string{"file-a"}, transfers[0].FilesID)
}

func TestNewTransferAndAddFiles(t *testing.T) {
	client, mock := testClient(t)
	ctx := testutil.TestContext(t)

	keyPhrase := testutil.KeyPhrase("send")
	mock.SeedPool(keyPhrase, "shared", map[string]string{"device-1": "laptop", "device-2": "phone"})

	transferID, err := client.NewTransfer(ctx, keyPhrase, "device-1", "device-2")
	require.NoError(t, err)
	require.NotEmpty(t, transferID)

	err = client.AddFiles(ctx, keyPhrase, transferID, []FileUpload{
		{Filename: "notes.txt", Content: strings.NewReader("hello")},
		{Filename: "report.pdf", Content: bytes.NewReader([]byte{1, 2, 3})},
	})
	require.NoError(t, err)

	transfers, err := client.ListTransfers(ctx, keyPhrase, "device-2")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Len(t, transfers[0].FilesID, 2)
}

func TestGetFilesInfoNormalizesExtendedJSON(t *testing.T) {
	client, mock := testClient(t)
	ctx := testutil.TestContext(t)

	uploadMs := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	mock.SeedFile("file-x", "photo.png", []byte("imagedata"), uploadMs)

	infos, err := client.GetFilesInfo(ctx, []string{"file-x"})
	require.NoError(t, err)
	require.Len(t, infos, 1)

	fi := infos[0]
	assert.Equal(t, "file-x", fi.ID)
	assert.Equal(t, "photo.png", fi.Filename)
	assert.Equal(t, int64(len("imagedata")), fi.SizeBytes)
	assert.Equal(t, int64(261120), fi.ChunkSize)
	assert.Equal(t, uploadMs, fi.UploadTime.UnixMilli())
}

func TestGetFilesInfoEmptyInput(t *testing.T) {
	client, _ := testClient(t)
	infos, err := client.GetFilesInfo(testutil.TestContext(t), nil)
	require.NoError(t, err)
	assert.Nil(t, infos)
}

func TestDownloadFile(t *testing.T) {
	client, mock := testClient(t)
	ctx := testutil.TestContext(t)

	mock.SeedFile("file-dl", "archive.zip", []byte("zipbytes"), time.Now().UnixMilli())

	var buf bytes.Buffer
	filename, err := client.DownloadFile(ctx, testutil.KeyPhrase("dl"), "file-dl", &buf)
	require.NoError(t, err)
	assert.Equal(t, "archive.zip", filename)
	assert.Equal(t, "zipbytes", buf.String())
}

func TestDoubleEncodedEnvelope(t *testing.T) {
	// The inner document arrives as a JSON string inside the envelope, so a
	// pool payload is encoded twice on the wire.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"success": true,
			"status_code": 200,
			"data": "{\"pool_name\":\"home\",\"devices_id\":[\"d1\"],\"devices_id_to_name\":{\"d1\":\"laptop\"}}"
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	pool, err := client.GetPool(testutil.TestContext(t), testutil.KeyPhrase("env"))
	require.NoError(t, err)
	assert.Equal(t, "home", pool.PoolName)
}

func TestUnreadableEnvelopeIsCorruptedData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.GetPool(testutil.TestContext(t), testutil.KeyPhrase("bad"))
	assert.ErrorIs(t, err, core.ErrCorruptedData)
}

func TestIncompletePoolPayloadIsCorruptedData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"status_code":200,"data":"{\"pool_name\":\"home\"}"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.GetPool(testutil.TestContext(t), testutil.KeyPhrase("partial"))
	assert.ErrorIs(t, err, core.ErrCorruptedData)
}

func TestTransportErrorClassification(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := client.GetPool(testutil.TestContext(t), testutil.KeyPhrase("offline"))
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestFilenameFromDisposition(t *testing.T) {
	tests := []struct {
		disposition string
		want        string
	}{
		{`attachment; filename="notes.txt"`, "notes.txt"},
		{`attachment; filename=plain.bin`, "plain.bin"},
		{`inline`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, filenameFromDisposition(tt.disposition))
	}
}
