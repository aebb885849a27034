// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/oauth2"
)

const (
	keyringService = "cloud_mdir_sync"
	keyringItem    = "storage"

	tokenFile     = "tokens.enc"
	tokenFileMode = 0600
)

// KeySource yields the 32 byte key protecting the token file.
type KeySource func() (*[32]byte, error)

// KeyringKey returns a KeySource backed by the system keyring.  A key
// is generated and stored on first use.
func KeyringKey(fileDir string) KeySource {
	return func() (*[32]byte, error) {
		ring, err := keyring.Open(keyring.Config{
			ServiceName: keyringService,
			AllowedBackends: []keyring.BackendType{
				keyring.SecretServiceBackend,
				keyring.KWalletBackend,
				keyring.KeychainBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
				keyring.FileBackend,
			},
			FileDir:                  fileDir,
			FilePasswordFunc:         keyring.TerminalPrompt,
			KeychainTrustApplication: true,
		})
		if err != nil {
			return nil, errors.Wrap(err, "opening keyring")
		}

		item, err := ring.Get(keyringItem)
		switch {
		case err == nil:
			return decodeKey(item.Data)
		case errors.Is(err, keyring.ErrKeyNotFound):
		default:
			return nil, errors.Wrap(err, "reading storage key from keyring")
		}

		var key [32]byte
		if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
			return nil, errors.Wrap(err, "generating storage key")
		}
		err = ring.Set(keyring.Item{
			Key:         keyringItem,
			Data:        []byte(base64.URLEncoding.EncodeToString(key[:])),
			Label:       "cloud mdir sync token storage",
			Description: "encrypts cached OAuth tokens",
		})
		if err != nil {
			return nil, errors.Wrap(err, "writing storage key to keyring")
		}
		return &key, nil
	}
}

func decodeKey(data []byte) (*[32]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(string(data))
	if err != nil || len(raw) != 32 {
		return nil, errors.New("storage key in keyring is malformed")
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// StaticKey returns a KeySource for a fixed key.
func StaticKey(key [32]byte) KeySource {
	return func() (*[32]byte, error) { return &key, nil }
}

// CachedToken is what is remembered about one account.
type CachedToken struct {
	Token *oauth2.Token `json:"token,omitempty"`

	// LoginHint names the user that last logged in, for accounts
	// configured without one.
	LoginHint string `json:"login_hint,omitempty"`
}

// TokenCache holds tokens for all accounts in one encrypted file.
type TokenCache struct {
	path string
	key  *[32]byte

	mu     sync.Mutex
	tokens map[string]CachedToken
}

// OpenTokenCache loads the token file in dir, if any.  A file that
// cannot be decrypted is treated as empty so the user can log in
// again.
func OpenTokenCache(dir string, keys KeySource) (*TokenCache, error) {
	key, err := keys()
	if err != nil {
		return nil, err
	}
	c := &TokenCache{
		path:   filepath.Join(dir, tokenFile),
		key:    key,
		tokens: make(map[string]CachedToken),
	}
	sealed, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading token cache")
	}
	if len(sealed) < 24 {
		return c, nil
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, c.key)
	if !ok {
		return c, nil
	}
	if err := json.Unmarshal(plain, &c.tokens); err != nil {
		c.tokens = make(map[string]CachedToken)
	}
	return c, nil
}

// Get returns what is cached for account.
func (c *TokenCache) Get(account string) CachedToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[account]
}

// Put replaces the entry for account and rewrites the file.
func (c *TokenCache) Put(account string, t CachedToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[account] = t
	return c.save()
}

// Delete forgets account.
func (c *TokenCache) Delete(account string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, account)
	return c.save()
}

func (c *TokenCache) save() error {
	plain, err := json.Marshal(c.tokens)
	if err != nil {
		return errors.Wrap(err, "encoding tokens")
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return errors.Wrap(err, "generating nonce")
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, c.key)

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, tokenFileMode); err != nil {
		return errors.Wrap(err, "writing token cache")
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "writing token cache")
	}
	return nil
}
