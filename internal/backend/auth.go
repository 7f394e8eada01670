/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Tokens are "<claims>.<mac>", both unpadded base64url, where mac is
// HMAC-SHA256 of the JSON claims under the server secret.
type tokenClaims struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp"` // unix seconds
}

var b64 = base64.RawURLEncoding

func mac(secret string, payload []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return m.Sum(nil)
}

func signToken(secret, subject string, exp time.Time) (string, error) {
	payload, err := json.Marshal(tokenClaims{Sub: subject, Exp: exp.Unix()})
	if err != nil {
		return "", err
	}
	return b64.EncodeToString(payload) + "." + b64.EncodeToString(mac(secret, payload)), nil
}

// verifyToken returns the token subject; an empty subject reads as "dev".
func verifyToken(secret, token string, now time.Time) (string, error) {
	enc, sigEnc, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(sigEnc, ".") {
		return "", fmt.Errorf("%w: format", ErrInvalidToken)
	}
	payload, err := b64.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	sig, err := b64.DecodeString(sigEnc)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrInvalidToken)
	}
	if !hmac.Equal(mac(secret, payload), sig) {
		return "", fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}
	var c tokenClaims
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", fmt.Errorf("%w: claims", ErrInvalidToken)
	}
	if now.Unix() > c.Exp {
		return "", fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if c.Sub == "" {
		return "dev", nil
	}
	return c.Sub, nil
}

type subjectKey struct{}

// SubjectFromContext returns the authenticated token subject.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, apiError{Error: msg, Code: codeUnauthorized})
}

// requireToken rejects requests without a valid bearer token and stores the
// token subject on the request context.
func requireToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := bearerToken(r)
			if !ok {
				unauthorized(w, r, "missing bearer token")
				return
			}
			sub, err := verifyToken(secret, tok, time.Now())
			if err != nil {
				unauthorized(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
		})
	}
}
