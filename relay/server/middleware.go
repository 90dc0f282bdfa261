package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/awrlabs/relay/network/httputil"
	"github.com/awrlabs/relay/relay/apierror"
	"github.com/awrlabs/relay/relay/transport"
)

// maxBodyBytes bounds a single request body. Large payloads arrive as many
// chunk requests, so this only needs headroom for one chunk plus envelope
// overhead.
const maxBodyBytes = 64 << 20

type contextKey int

const (
	metadataKey contextKey = iota
	binaryKey
)

// requestMetadata returns the metadata object attached by the envelope
// middleware, or nil for requests without a body.
func requestMetadata(r *http.Request) map[string]interface{} {
	meta, _ := r.Context().Value(metadataKey).(map[string]interface{})
	return meta
}

// requestBinary returns the binary attachment of a decrypted frame.
func requestBinary(r *http.Request) []byte {
	bin, _ := r.Context().Value(binaryKey).([]byte)
	return bin
}

// authMiddleware rejects any request whose x-server-key header does not
// match the configured secret. It runs before any decryption work.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-server-key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.relay.APIKey)) != 1 {
			httputil.WriteError(w, apierror.Unauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envelopeMiddleware decodes request bodies. Bodies carrying a gameData
// string hold an encrypted envelope: it is decrypted, its frame is split
// into metadata and binary attachment, and v2 metadata passes replay
// validation. Plain JSON bodies pass through as metadata unchanged.
func (s *Service) envelopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			httputil.WriteError(w, apierror.InvalidInput("could not read request body"))
			return
		}
		metadata := make(map[string]interface{})
		if len(body) > 0 {
			if err := json.Unmarshal(body, &metadata); err != nil {
				httputil.WriteError(w, apierror.InvalidInput("request body is not a JSON object"))
				return
			}
		}

		ctx := r.Context()
		if raw, ok := metadata["gameData"].(string); ok {
			envelope, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				httputil.WriteError(w, apierror.DecryptionFailed("envelope is not valid base64"))
				return
			}
			plain, version, err := s.decryptor.Decrypt(envelope)
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			frame, err := transport.ParseFrame(plain)
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			if version == 2 {
				if err := s.replay.Validate(frame.Metadata); err != nil {
					httputil.WriteError(w, err)
					return
				}
			}
			ctx = context.WithValue(ctx, metadataKey, frame.Metadata)
			ctx = context.WithValue(ctx, binaryKey, frame.Binary)
		} else {
			ctx = context.WithValue(ctx, metadataKey, metadata)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
