package server

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/awrlabs/relay/relay/config"
	"github.com/awrlabs/relay/relay/filestore"
	"github.com/awrlabs/relay/relay/repos"
	"github.com/awrlabs/relay/relay/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

const testAPIKey = "test-server-key"

// stubRunner fakes the git binary. Every invocation is recorded; outputs and
// failures are matched by the joined argument prefix.
type stubRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]string
	fail    map[string]error
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		outputs: map[string]string{"rev-parse": "abc123"},
		fail:    make(map[string]error),
	}
}

func (r *stubRunner) Run(_ context.Context, _ string, _ []string, args ...string) (string, error) {
	cmd := strings.Join(args, " ")
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	for prefix, err := range r.fail {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}
	for prefix, out := range r.outputs {
		if strings.HasPrefix(cmd, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (r *stubRunner) countPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func testRelayConfig(t *testing.T, mode config.TransportMode) *config.Config {
	t.Helper()
	symKey := make([]byte, 32)
	_, err := rand.Read(symKey)
	require.NoError(t, err)
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	require.NoError(t, err)
	return &config.Config{
		APIKey:         testAPIKey,
		GitHubPAT:      "ghp_test",
		AuthorName:     "Relay",
		AuthorEmail:    "relay@example.com",
		CommitterName:  "Relay",
		CommitterEmail: "relay@example.com",
		Mode:           mode,
		EncryptionKey:  symKey,
		KeyID:          "k1",
		PrivateKey:     priv,
		ServerPubDER:   pubDER,
		ReplayTTL:      5 * time.Minute,
		ClockSkew:      30 * time.Second,
		MaxFileSize:    1 << 20,
	}
}

type harness struct {
	svc      *Service
	cfg      *config.Config
	runner   *stubRunner
	sessions *session.Store
}

func newHarness(t *testing.T, mode config.TransportMode) *harness {
	t.Helper()
	cfg := testRelayConfig(t, mode)
	runner := newStubRunner()
	sessions := session.NewStore(context.Background(), t.TempDir(), time.Minute)
	svc, err := New(context.Background(),
		WithRelayConfig(cfg),
		WithSessionStore(sessions),
		WithRepoManager(repos.NewManager(t.TempDir(), cfg.GitHubPAT, runner)),
		WithFileStore(filestore.New(t.TempDir(), cfg.MaxFileSize, sessions)),
		WithGitRunner(runner),
	)
	require.NoError(t, err)
	return &harness{svc: svc, cfg: cfg, runner: runner, sessions: sessions}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("x-server-key", testAPIKey)
	rec := httptest.NewRecorder()
	h.svc.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := make(map[string]interface{})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func buildFrame(t *testing.T, metadata map[string]interface{}, bin []byte) []byte {
	t.Helper()
	metaJSON, err := json.Marshal(metadata)
	require.NoError(t, err)
	frame := make([]byte, 4, 4+len(metaJSON)+len(bin))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(metaJSON)))
	frame = append(frame, metaJSON...)
	return append(frame, bin...)
}

func sealV1(t *testing.T, key, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	iv := make([]byte, 12)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	sealed := aead.Seal(nil, iv, plain, nil)
	ct, tag := sealed[:len(sealed)-16], sealed[len(sealed)-16:]
	out := append([]byte{}, iv...)
	out = append(out, tag...)
	return append(out, ct...)
}

func sealV2(t *testing.T, cfg *config.Config, kid string, plain []byte) []byte {
	t.Helper()
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	ephDER, err := x509.MarshalPKIXPublicKey(eph.PublicKey())
	require.NoError(t, err)

	iv := make([]byte, 12)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	header := []byte("AWR2")
	header = append(header, 2, byte(len(kid)))
	header = binary.BigEndian.AppendUint16(header, uint16(len(ephDER)))
	header = append(header, iv...)
	header = append(header, kid...)
	header = append(header, ephDER...)

	shared, err := eph.ECDH(cfg.PrivateKey.PublicKey())
	require.NoError(t, err)
	var info bytes.Buffer
	info.WriteString("relay-transport-v2")
	info.WriteByte(0)
	info.WriteString(kid)
	info.WriteByte(0)
	info.Write(ephDER)
	info.WriteByte(0)
	info.Write(cfg.ServerPubDER)
	key := make([]byte, 32)
	_, err = io.ReadFull(hkdf.New(sha256.New, shared, iv, info.Bytes()), key)
	require.NoError(t, err)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	sealed := aead.Seal(nil, iv, plain, header)
	ct, tag := sealed[:len(sealed)-16], sealed[len(sealed)-16:]

	out := append([]byte{}, header...)
	out = append(out, tag...)
	return append(out, ct...)
}

func envelopeBody(envelope []byte) map[string]interface{} {
	return map[string]interface{}{"gameData": base64.StdEncoding.EncodeToString(envelope)}
}

// uploadChunks sends each chunk through a v1 envelope.
func (h *harness) uploadChunks(t *testing.T, sessionID string, chunks [][]byte) {
	t.Helper()
	for i, chunk := range chunks {
		frame := buildFrame(t, map[string]interface{}{
			"sessionId":   sessionID,
			"chunkIndex":  i,
			"totalChunks": len(chunks),
		}, chunk)
		rec := h.do(t, http.MethodPost, "/api/data/chunk", envelopeBody(sealV1(t, h.cfg.EncryptionKey, frame)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(i+1), body["received"])
	}
}

func (h *harness) waitForStatus(t *testing.T, sessionID, want string) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/data/status/"+sessionID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		last = decodeBody(t, rec)
		return last["status"] == want
	}, 5*time.Second, 10*time.Millisecond, "session never reached %s, last: %v", want, last)
	return last
}

func TestBundleFlow_PushesCommit(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	h.uploadChunks(t, "s1", [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")})

	rec := h.do(t, http.MethodPost, "/api/data/complete", map[string]interface{}{"sessionId": "s1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/gr/process", map[string]interface{}{
		"sessionId":  "s1",
		"repo":       "octo/widgets",
		"branch":     "feature/x",
		"baseBranch": "main",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "processing", decodeBody(t, rec)["status"])

	status := h.waitForStatus(t, "s1", "pushed")
	details := status["details"].(map[string]interface{})
	assert.Equal(t, "abc123", details["commitSha"])
	assert.Equal(t, "https://github.com/octo/widgets/commit/abc123", details["commitUrl"])

	assert.Equal(t, 1, h.runner.countPrefix("clone"))
	assert.Equal(t, 1, h.runner.countPrefix("bundle verify"))
	assert.Equal(t, 1, h.runner.countPrefix("push"))
}

func TestProcess_SecondFinalizeDoesNotStartAnotherJob(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	h.uploadChunks(t, "s2", [][]byte{[]byte("data")})

	body := map[string]interface{}{
		"sessionId":  "s2",
		"repo":       "octo/widgets",
		"branch":     "feature/x",
		"baseBranch": "main",
	}
	rec := h.do(t, http.MethodPost, "/api/gr/process", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/gr/process", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "processing", decodeBody(t, rec)["status"])

	h.waitForStatus(t, "s2", "pushed")
	assert.Equal(t, 1, h.runner.countPrefix("bundle verify"))
}

func TestProcess_MissingChunkFailsSession(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	// Chunks 0 and 2 of 3; chunk 1 never arrives.
	for _, i := range []int{0, 2} {
		frame := buildFrame(t, map[string]interface{}{
			"sessionId":   "s3",
			"chunkIndex":  i,
			"totalChunks": 3,
		}, []byte("x"))
		rec := h.do(t, http.MethodPost, "/api/data/chunk", envelopeBody(sealV1(t, h.cfg.EncryptionKey, frame)))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/gr/process", map[string]interface{}{
		"sessionId":  "s3",
		"repo":       "octo/widgets",
		"branch":     "b",
		"baseBranch": "main",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	status := h.waitForStatus(t, "s3", "failed")
	details := status["details"].(map[string]interface{})
	assert.Contains(t, details["error"], "Expected 3 chunks, received 2")
	assert.Equal(t, 0, h.runner.countPrefix("push"))
}

func TestChunk_UnknownKidRejected(t *testing.T) {
	h := newHarness(t, config.ModeV2)
	frame := buildFrame(t, map[string]interface{}{
		"sessionId":   "s4",
		"chunkIndex":  0,
		"totalChunks": 1,
		"nonce":       "nonce-0123456789",
		"timestamp":   time.Now().UnixMilli(),
	}, []byte("x"))

	rec := h.do(t, http.MethodPost, "/api/data/chunk", envelopeBody(sealV2(t, h.cfg, "unknown", frame)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "DECRYPTION_FAILED", decodeBody(t, rec)["error"])
}

func TestChunk_ReplayedNonceRejected(t *testing.T) {
	h := newHarness(t, config.ModeV2)
	meta := map[string]interface{}{
		"sessionId":   "s5",
		"chunkIndex":  0,
		"totalChunks": 2,
		"nonce":       "nonce-0123456789",
		"timestamp":   time.Now().UnixMilli(),
	}
	rec := h.do(t, http.MethodPost, "/api/data/chunk",
		envelopeBody(sealV2(t, h.cfg, "k1", buildFrame(t, meta, []byte("x")))))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A fresh envelope reusing the same nonce must be rejected even though
	// its ciphertext differs.
	meta["chunkIndex"] = 1
	rec = h.do(t, http.MethodPost, "/api/data/chunk",
		envelopeBody(sealV2(t, h.cfg, "k1", buildFrame(t, meta, []byte("y")))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "DECRYPTION_FAILED", decodeBody(t, rec)["error"])
}

func TestFileStoreFlow_StoresFile(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	data := []byte(strings.Repeat("file-content", 100))
	h.uploadChunks(t, "s6", [][]byte{data[:500], data[500:]})
	digest := sha256.Sum256(data)

	rec := h.do(t, http.MethodPost, "/api/file/store", map[string]interface{}{
		"sessionId": "s6",
		"fileName":  "report.pdf",
		"size":      len(data),
		"sha256":    hex.EncodeToString(digest[:]),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	status := h.waitForStatus(t, "s6", "stored")
	details := status["details"].(map[string]interface{})
	assert.Contains(t, details["storedPath"], "s6-report.pdf")
	assert.Equal(t, float64(len(data)), details["storedSize"])
}

func TestFileStore_InvalidSizeRejectedBeforeGuard(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	data := []byte("payload")
	h.uploadChunks(t, "s10", [][]byte{data})
	digest := sha256.Sum256(data)
	sha := hex.EncodeToString(digest[:])

	for _, size := range []int{-1, 0, int(h.cfg.MaxFileSize) + 1} {
		rec := h.do(t, http.MethodPost, "/api/file/store", map[string]interface{}{
			"sessionId": "s10",
			"fileName":  "f.bin",
			"size":      size,
			"sha256":    sha,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, "size %d", size)
		assert.Equal(t, "INVALID_INPUT", decodeBody(t, rec)["error"])
	}

	// The rejections must not burn the one-shot finalize guard or destroy
	// the uploaded chunks.
	snap, err := h.sessions.Get("s10")
	require.NoError(t, err)
	require.Equal(t, session.StatusReceiving, snap.Status)

	rec := h.do(t, http.MethodPost, "/api/file/store", map[string]interface{}{
		"sessionId": "s10",
		"fileName":  "f.bin",
		"size":      len(data),
		"sha256":    sha,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.waitForStatus(t, "s10", "stored")
}

func TestAuth_MissingKeyRejectedBeforeAnyWork(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	req := httptest.NewRequest(http.MethodPost, "/api/data/complete",
		strings.NewReader(`{"sessionId":"s1"}`))
	rec := httptest.NewRecorder()
	h.svc.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["error"])
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.svc.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)
}

func TestRemoteInfo_ReturnsBranchHead(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	h.runner.outputs["ls-remote"] = "deadbeef\trefs/heads/main"

	rec := h.do(t, http.MethodGet, "/api/gr/remote-info?repo=octo/widgets&branch=main", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deadbeef", decodeBody(t, rec)["sha"])
}

func TestStatus_UnknownSession(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	rec := h.do(t, http.MethodGet, "/api/data/status/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeBody(t, rec)["error"])
}

func TestChunk_NonIntegerIndexRejected(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	frame := buildFrame(t, map[string]interface{}{
		"sessionId":   "s7",
		"chunkIndex":  1.5,
		"totalChunks": 2,
	}, []byte("x"))
	rec := h.do(t, http.MethodPost, "/api/data/chunk", envelopeBody(sealV1(t, h.cfg.EncryptionKey, frame)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeBody(t, rec)["error"])
}

func TestPatchFlow_AppliesSeriesAndPushes(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	h.uploadChunks(t, "s8", [][]byte{[]byte("From deadbeef Mon Sep 17 00:00:00 2001\n")})

	rec := h.do(t, http.MethodPost, "/api/gr/patch", map[string]interface{}{
		"sessionId":  "s8",
		"repo":       "octo/widgets",
		"branch":     "feature/p",
		"baseBranch": "main",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	status := h.waitForStatus(t, "s8", "pushed")
	details := status["details"].(map[string]interface{})
	assert.Equal(t, "abc123", details["commitSha"])
	assert.Equal(t, 1, h.runner.countPrefix("am --3way"))
	assert.Equal(t, 1, h.runner.countPrefix("push --force-with-lease"))
}

func TestProcess_InvalidRepoRejectedBeforeGuard(t *testing.T) {
	h := newHarness(t, config.ModeV1)
	h.uploadChunks(t, "s9", [][]byte{[]byte("data")})

	rec := h.do(t, http.MethodPost, "/api/gr/process", map[string]interface{}{
		"sessionId":  "s9",
		"repo":       "not-a-repo",
		"branch":     "b",
		"baseBranch": "main",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The rejection must not burn the one-shot finalize guard.
	snap, err := h.sessions.Get("s9")
	require.NoError(t, err)
	assert.Equal(t, session.StatusReceiving, snap.Status)
}

func TestJobSerialization_SameRepoRunsOneAtATime(t *testing.T) {
	h := newHarness(t, config.ModeV1)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	blocking := &gateRunner{inner: h.runner, mu: &mu, inFlight: &inFlight, max: &maxInFlight}
	h.svc.cfg.runner = blocking
	h.svc.cfg.repoMgr = repos.NewManager(t.TempDir(), h.cfg.GitHubPAT, blocking)

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("ser-%d", i)
		h.uploadChunks(t, id, [][]byte{[]byte("data")})
		rec := h.do(t, http.MethodPost, "/api/gr/process", map[string]interface{}{
			"sessionId":  id,
			"repo":       "octo/widgets",
			"branch":     "b",
			"baseBranch": "main",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	for i := 0; i < 4; i++ {
		h.waitForStatus(t, fmt.Sprintf("ser-%d", i), "pushed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "git work for the same repo must not overlap")
}

// gateRunner tracks how many git invocations for a repo overlap in time.
type gateRunner struct {
	inner    *stubRunner
	mu       *sync.Mutex
	inFlight *int
	max      *int
}

func (g *gateRunner) Run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	g.mu.Lock()
	*g.inFlight++
	if *g.inFlight > *g.max {
		*g.max = *g.inFlight
	}
	g.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	out, err := g.inner.Run(ctx, dir, env, args...)
	g.mu.Lock()
	*g.inFlight--
	g.mu.Unlock()
	return out, err
}
