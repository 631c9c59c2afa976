package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"infochat/internal/domain"
	"infochat/internal/embedding"
)

// On-disk layout of a saved index directory.
const (
	VectorsFile  = "vectors.bin"
	MetadataFile = "metadata.jsonl"
	EmbedderFile = "embedder.json"

	vectorsMagic   = "IVEC"
	vectorsVersion = 1
	headerSize     = 16
)

type embedderFile struct {
	Name      string          `json:"name"`
	Dimension int             `json:"dimension"`
	State     json.RawMessage `json:"state,omitempty"`
}

// Manifest summarises a saved index without loading its vectors.
type Manifest struct {
	Count     int
	Dimension int
	Embedder  string
	// Remote is set when the entries are kept by the vector store backend.
	Remote bool
}

// Save writes the index to dir, creating it if needed. Files are replaced atomically.
// For a backend that keeps its own entries only the embedder file is written.
func (ix *Index) Save(ctx context.Context, dir string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entries, err := ix.entriesLocked(ctx)
	_, remote := ix.store.(domain.Attachable)
	if err != nil && !(remote && errors.Is(err, domain.ErrUnsupported)) {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	if remote {
		for _, name := range []string{VectorsFile, MetadataFile} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove stale %s: %w", name, err)
			}
		}
	} else if err := writeEntries(dir, entries, ix.dim); err != nil {
		return err
	}

	ef := embedderFile{Name: ix.embedder.Name(), Dimension: ix.dim}
	if st, ok := ix.embedder.(embedding.Stateful); ok {
		state, err := st.MarshalState()
		if err != nil {
			return fmt.Errorf("%w: marshal embedder state: %w", domain.ErrProvider, err)
		}
		ef.State = state
	}
	data, err := json.MarshalIndent(ef, "", "  ")
	if err != nil {
		return fmt.Errorf("encode embedder file: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, EmbedderFile), data); err != nil {
		return err
	}
	ix.logger.Info().Str("dir", dir).Int("entries", ix.countLocked()).Bool("remote", remote).Msg("index saved")
	return nil
}

func writeEntries(dir string, entries []domain.Entry, dim int) error {
	var vec bytes.Buffer
	writeHeader(&vec, len(entries), dim)
	var buf [4]byte
	for _, e := range entries {
		for _, x := range e.Vector {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
			vec.Write(buf[:])
		}
	}
	if err := writeFileAtomic(filepath.Join(dir, VectorsFile), vec.Bytes()); err != nil {
		return err
	}

	var meta bytes.Buffer
	enc := json.NewEncoder(&meta)
	for _, e := range entries {
		if err := enc.Encode(e.Chunk); err != nil {
			return fmt.Errorf("encode chunk metadata: %w", err)
		}
	}
	return writeFileAtomic(filepath.Join(dir, MetadataFile), meta.Bytes())
}

func writeHeader(w io.Writer, count, dim int) {
	var h [headerSize]byte
	copy(h[:4], vectorsMagic)
	binary.LittleEndian.PutUint32(h[4:8], vectorsVersion)
	binary.LittleEndian.PutUint32(h[8:12], uint32(count))
	binary.LittleEndian.PutUint32(h[12:16], uint32(dim))
	_, _ = w.Write(h[:])
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Load replaces the index contents with the index saved in dir.
// Any inconsistency between the files is reported as domain.ErrCorruptIndex.
// A directory holding only the embedder file reopens a backend that keeps its
// own entries (see domain.Attachable). A failed load leaves the previous
// contents and embedder state in place.
func (ix *Index) Load(ctx context.Context, dir string) (err error) {
	ef, err := readEmbedderFile(filepath.Join(dir, EmbedderFile))
	if err != nil {
		return err
	}
	if _, serr := os.Stat(filepath.Join(dir, VectorsFile)); errors.Is(serr, os.ErrNotExist) && ef != nil {
		return ix.attach(ctx, dir, ef)
	}
	vectors, dim, err := readVectors(filepath.Join(dir, VectorsFile))
	if err != nil {
		return err
	}
	chunks, err := readMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return err
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d vectors but %d metadata records", domain.ErrCorruptIndex, len(vectors), len(chunks))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	restore, err := ix.snapshotLocked()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			restore()
		}
	}()
	if err := ix.checkEmbedderFile(ef, dim); err != nil {
		return err
	}

	var store domain.VectorStore
	if len(vectors) > 0 {
		store, err = ix.newStore()
		if err != nil {
			return fmt.Errorf("create vector store: %w", err)
		}
		if err := store.Init(dim); err != nil {
			return fmt.Errorf("init vector store: %w", err)
		}
		if err := store.Upsert(ctx, chunks, vectors); err != nil {
			return fmt.Errorf("store vectors: %w", err)
		}
	}
	if err := ix.restoreState(ef, dim, len(vectors) > 0); err != nil {
		return err
	}

	ix.store, ix.dim, ix.built = store, dim, true
	ix.logger.Info().Str("dir", dir).Int("entries", len(vectors)).Int("dimension", dim).Msg("index loaded")
	return nil
}

func (ix *Index) attach(ctx context.Context, dir string, ef *embedderFile) (err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	restore, err := ix.snapshotLocked()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			restore()
		}
	}()

	store, err := ix.newStore()
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	at, ok := store.(domain.Attachable)
	if !ok {
		return fmt.Errorf("%w: %s missing", domain.ErrCorruptIndex, VectorsFile)
	}
	count, dim, err := at.Attach(ctx)
	if err != nil {
		return fmt.Errorf("%w: attach vector store: %w", domain.ErrCorruptIndex, err)
	}
	if err := ix.checkEmbedderFile(ef, dim); err != nil {
		return err
	}
	if err := ix.restoreState(ef, dim, count > 0); err != nil {
		return err
	}

	ix.store, ix.dim, ix.built = store, dim, true
	ix.logger.Info().Str("dir", dir).Int("entries", count).Int("dimension", dim).Msg("index attached")
	return nil
}

func (ix *Index) checkEmbedderFile(ef *embedderFile, dim int) error {
	if ef == nil {
		return nil
	}
	if ef.Name != ix.embedder.Name() {
		return fmt.Errorf("%w: index built with embedder %q, loading with %q", domain.ErrCorruptIndex, ef.Name, ix.embedder.Name())
	}
	if ef.Dimension != dim {
		return fmt.Errorf("%w: embedder file dimension %d, vectors dimension %d", domain.ErrCorruptIndex, ef.Dimension, dim)
	}
	return nil
}

func (ix *Index) restoreState(ef *embedderFile, dim int, hasVectors bool) error {
	st, ok := ix.embedder.(embedding.Stateful)
	if !ok {
		return nil
	}
	if ef == nil || len(ef.State) == 0 {
		return fmt.Errorf("%w: embedder %s needs saved state", domain.ErrCorruptIndex, ix.embedder.Name())
	}
	if err := st.UnmarshalState(ef.State); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCorruptIndex, err)
	}
	if d := ix.embedder.Dimension(); d != dim && hasVectors {
		return fmt.Errorf("%w: embedder dimension %d, vectors dimension %d", domain.ErrCorruptIndex, d, dim)
	}
	return nil
}

// Inspect reads the header of a saved index. An index whose entries live in
// the backend reports Remote and takes its dimension from the embedder file.
func Inspect(dir string) (Manifest, error) {
	ef, err := readEmbedderFile(filepath.Join(dir, EmbedderFile))
	if err != nil {
		return Manifest{}, err
	}
	f, err := os.Open(filepath.Join(dir, VectorsFile))
	if errors.Is(err, os.ErrNotExist) && ef != nil {
		return Manifest{Dimension: ef.Dimension, Embedder: ef.Name, Remote: true}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", domain.ErrCorruptIndex, err)
	}
	defer f.Close()
	var h [headerSize]byte
	if _, err := io.ReadFull(f, h[:]); err != nil {
		return Manifest{}, fmt.Errorf("%w: read header: %w", domain.ErrCorruptIndex, err)
	}
	count, dim, err := parseHeader(h)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{Count: count, Dimension: dim}
	if ef != nil {
		m.Embedder = ef.Name
	}
	return m, nil
}

func parseHeader(h [headerSize]byte) (count, dim int, err error) {
	if string(h[:4]) != vectorsMagic {
		return 0, 0, fmt.Errorf("%w: bad magic %q", domain.ErrCorruptIndex, h[:4])
	}
	if v := binary.LittleEndian.Uint32(h[4:8]); v != vectorsVersion {
		return 0, 0, fmt.Errorf("%w: unsupported version %d", domain.ErrCorruptIndex, v)
	}
	count = int(binary.LittleEndian.Uint32(h[8:12]))
	dim = int(binary.LittleEndian.Uint32(h[12:16]))
	if count > 0 && dim == 0 {
		return 0, 0, fmt.Errorf("%w: %d vectors of dimension 0", domain.ErrCorruptIndex, count)
	}
	return count, dim, nil
}

func readVectors(path string) ([][]float32, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", domain.ErrCorruptIndex, err)
	}
	if len(data) < headerSize {
		return nil, 0, fmt.Errorf("%w: %s shorter than header", domain.ErrCorruptIndex, VectorsFile)
	}
	count, dim, err := parseHeader([headerSize]byte(data[:headerSize]))
	if err != nil {
		return nil, 0, err
	}
	body := data[headerSize:]
	if want := uint64(count) * uint64(dim) * 4; uint64(len(body)) != want {
		return nil, 0, fmt.Errorf("%w: %s holds %d bytes of vectors, header says %d", domain.ErrCorruptIndex, VectorsFile, len(body), want)
	}
	vectors := make([][]float32, count)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			off := (i*dim + j) * 4
			x := math.Float32frombits(binary.LittleEndian.Uint32(body[off : off+4]))
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return nil, 0, fmt.Errorf("%w: non-finite value in vector %d", domain.ErrCorruptIndex, i)
			}
			v[j] = x
		}
		vectors[i] = v
	}
	return vectors, dim, nil
}

func readMetadata(path string) ([]domain.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCorruptIndex, err)
	}
	defer f.Close()
	var chunks []domain.Chunk
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var ch domain.Chunk
		if err := dec.Decode(&ch); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", domain.ErrCorruptIndex, MetadataFile, line, err)
		}
		chunks = append(chunks, ch)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrCorruptIndex, MetadataFile, err)
	}
	return chunks, nil
}

func readEmbedderFile(path string) (*embedderFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCorruptIndex, err)
	}
	var ef embedderFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", domain.ErrCorruptIndex, EmbedderFile, err)
	}
	return &ef, nil
}
