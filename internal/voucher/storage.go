package voucher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mmeshcher/alfa-voucher/internal/repository"
)

// FileStorage хранит отрисованные абонементы как {docId}.pdf.
type FileStorage struct {
	dir string
}

// NewFileStorage создаёт хранилище в каталоге dir.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create vouchers dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// Write атомарно записывает PDF: читатель видит либо старый файл, либо новый целиком.
func (s *FileStorage) Write(docID string, data []byte) error {
	if !repository.ValidKey(docID) {
		return fmt.Errorf("write artifact: invalid doc id %q", docID)
	}

	tmp, err := os.CreateTemp(s.dir, ".pdf-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return fmt.Errorf("chmod artifact: %w", err)
	}

	return os.Rename(tmpName, s.path(docID))
}

// Open открывает PDF для чтения и возвращает его размер.
func (s *FileStorage) Open(docID string) (*os.File, int64, error) {
	if !repository.ValidKey(docID) {
		return nil, 0, ErrNotFound
	}

	f, err := os.Open(s.path(docID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// Exists сообщает, есть ли непустой PDF для docID.
func (s *FileStorage) Exists(docID string) bool {
	if !repository.ValidKey(docID) {
		return false
	}
	info, err := os.Stat(s.path(docID))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Remove удаляет PDF, если он есть.
func (s *FileStorage) Remove(docID string) error {
	if !repository.ValidKey(docID) {
		return nil
	}
	if err := os.Remove(s.path(docID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ClaimMail отмечает, что письмо с абонементом docID отправляется. Отметка ставится
// один раз: повторный вызов для того же docID возвращает false.
func (s *FileStorage) ClaimMail(docID string) (bool, error) {
	if !repository.ValidKey(docID) {
		return false, fmt.Errorf("claim mail: invalid doc id %q", docID)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, docID+".mailed"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("claim mail: %w", err)
	}
	return true, f.Close()
}

func (s *FileStorage) path(docID string) string {
	return filepath.Join(s.dir, docID+".pdf")
}
