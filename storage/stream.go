package storage

import (
	"errors"
	"io"
)

// WriterAt is where LoadStream puts a stream. *buffer.Arena is one.
type WriterAt interface {
	WriteAt(p []byte, off int) error
}

// readChunk is the read size used by LoadStream.
const readChunk = 4096

// LoadStream copies the named file into w from offset 0 and returns its
// length. The file is closed afterwards.
func LoadStream(s *Store, name string, w WriterAt) (int, error) {
	if err := s.Open(name, false); err != nil {
		return 0, err
	}
	off, err := copyTo(s, w)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return off, err
}

func copyTo(s *Store, w WriterAt) (int, error) {
	if err := s.Rewind(); err != nil {
		return 0, err
	}
	p := make([]byte, readChunk)
	off := 0
	for {
		n, err := s.Read(p)
		if n > 0 {
			if werr := w.WriteAt(p[:n], off); werr != nil {
				return off, werr
			}
			off += n
		}
		if errors.Is(err, io.EOF) {
			return off, nil
		}
		if err != nil {
			return off, err
		}
	}
}

// Save stores p as name, replacing any file of that name.
func Save(s *Store, name string, p []byte) error {
	clean, err := CleanName(name)
	if err != nil {
		return s.fault("save", name, err)
	}
	if open, ok := s.OpenFile(); ok && open == clean {
		if err := s.Close(); err != nil {
			return err
		}
	}
	if s.has(clean) {
		if err := s.Delete(clean); err != nil {
			return err
		}
	}
	if err := s.Open(clean, true); err != nil {
		return err
	}
	if err := s.Write(p, true); err != nil {
		// a refused write leaves an empty file behind.
		_ = s.Close()
		_ = s.Delete(clean)
		return err
	}
	return nil
}

func (s *Store) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok
}
