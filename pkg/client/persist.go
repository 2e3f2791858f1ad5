package client

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// FilePersister is the file-backed Persister for the fastest-endpoint
// hint, written via temp file plus rename so a crash never leaves a
// half-written state file.
type FilePersister struct {
	Path string
}

func (p FilePersister) Load() (FastestEndpointState, bool, error) {
	raw, err := os.ReadFile(p.Path)
	if os.IsNotExist(err) {
		return FastestEndpointState{}, false, nil
	}
	if err != nil {
		return FastestEndpointState{}, false, err
	}
	var state FastestEndpointState
	if err := json.Unmarshal(raw, &state); err != nil {
		return FastestEndpointState{}, false, err
	}
	return state, true, nil
}

func (p FilePersister) Save(state FastestEndpointState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(p.Path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, p.Path)
}
