/*
Copyright 2025 Courier Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/courierhq/courier/internal/mqerror"
)

// Encrypter seals message payloads with AES-GCM. Each call uses a fresh
// random nonce which is prepended to the ciphertext; the whole token is
// base64-encoded so it can travel inside a JSON envelope.
type Encrypter struct {
	key             []byte
	encryptedTopics map[string]struct{}
}

// NewEncrypter creates an Encrypter for the given key. encryptedTopics is
// the allow-list of topics whose payloads are sealed; an empty list means
// every topic is sealed.
func NewEncrypter(key []byte, encryptedTopics []string) *Encrypter {
	topics := make(map[string]struct{}, len(encryptedTopics))
	for _, t := range encryptedTopics {
		topics[t] = struct{}{}
	}
	return &Encrypter{
		key:             key,
		encryptedTopics: topics,
	}
}

// Enabled reports whether an encryption key is configured at all.
func (e *Encrypter) Enabled() bool {
	return len(e.key) > 0
}

// ShouldEncrypt consults the topic allow-list. With no list configured,
// everything is encrypted.
func (e *Encrypter) ShouldEncrypt(topic string) bool {
	if !e.Enabled() {
		return false
	}
	if len(e.encryptedTopics) == 0 {
		return true
	}
	_, ok := e.encryptedTopics[topic]
	return ok
}

// Encrypt seals the plaintext and returns the base64 token nonce||ciphertext.
func (e *Encrypter) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a token produced by Encrypt. Any failure (tampered
// ciphertext, wrong key, truncated token) is a permanent decode error and
// must never be treated as plaintext.
func (e *Encrypter) Decrypt(token string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, mqerror.NewMessagingError(mqerror.ErrPermanentDecode, "payload token is not valid base64", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, mqerror.NewMessagingError(mqerror.ErrPermanentDecode, "payload token too short", nil)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, mqerror.NewMessagingError(mqerror.ErrPermanentDecode, "payload decryption failed", err)
	}

	return plaintext, nil
}
