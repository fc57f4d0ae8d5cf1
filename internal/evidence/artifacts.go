package evidence

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/store"
)

// Archive writes captured payloads to content-addressed files and records
// artifact rows. Paths derive from the payload hash, so a re-capture of
// identical bytes reuses the file and concurrent writers never collide.
type Archive struct {
	root  string
	store store.Store
}

// NewArchive creates an archive rooted at dir.
func NewArchive(dir string, st store.Store) *Archive {
	return &Archive{root: dir, store: st}
}

var kindExt = map[model.ArtifactKind]string{
	model.ArtifactHTML:       ".html",
	model.ArtifactDOM:        ".html",
	model.ArtifactJSONLD:     ".json",
	model.ArtifactGraph:      ".json",
	model.ArtifactTable:      ".json",
	model.ArtifactImage:      ".bin",
	model.ArtifactScreenshot: ".png",
	model.ArtifactMetadata:   ".json",
	model.ArtifactPDF:        ".pdf",
}

// Save persists one payload for a source and records its artifact row.
func (ar *Archive) Save(ctx context.Context, src *model.Source, kind model.ArtifactKind, payload []byte, mime string) (*model.Artifact, error) {
	if len(payload) == 0 {
		return nil, eris.Errorf("evidence: empty %s payload for %s", kind, src.ID)
	}
	hash := model.ContentHash(payload)
	ext := kindExt[kind]
	if ext == "" {
		ext = ".bin"
	}

	dir := filepath.Join(ar.root, src.RunID, "artifacts", hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "evidence: mkdir artifacts")
	}
	path := filepath.Join(dir, hash+ext)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		tmp := path + "." + uuid.New().String()[:8] + ".tmp"
		if err := os.WriteFile(tmp, payload, 0o644); err != nil {
			return nil, eris.Wrap(err, "evidence: write artifact")
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return nil, eris.Wrap(err, "evidence: rename artifact")
		}
	}

	a := &model.Artifact{
		ID:          uuid.New().String(),
		SourceID:    src.ID,
		Kind:        kind,
		Path:        path,
		ContentHash: hash,
		MIME:        mime,
		Size:        int64(len(payload)),
		CapturedAt:  time.Now().UTC(),
	}
	if err := ar.store.InsertArtifact(ctx, a); err != nil {
		return nil, eris.Wrap(err, "evidence: record artifact")
	}
	return a, nil
}

// Load reads an artifact payload back from disk.
func (ar *Archive) Load(a *model.Artifact) ([]byte, error) {
	b, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read artifact %s", a.ID)
	}
	return b, nil
}
