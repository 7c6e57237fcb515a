// Package token вычисляет и проверяет подписи ссылок на скачивание абонементов.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer подписывает пару (docId, email) секретным ключом.
// Токены нигде не хранятся; отозвать их можно только сменой секрета.
type Signer struct {
	secretKey []byte
}

// NewSigner создаёт Signer с указанным секретным ключом.
func NewSigner(secret string) *Signer {
	return &Signer{secretKey: []byte(secret)}
}

// Sign возвращает hex-представление HMAC-SHA256(secret, docID + "|" + email).
func (s *Signer) Sign(docID, email string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(docID + "|" + email))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify сравнивает переданный токен с ожидаемым за постоянное время.
func (s *Signer) Verify(docID, email, token string) bool {
	expected := s.Sign(docID, email)
	return hmac.Equal([]byte(expected), []byte(token))
}
