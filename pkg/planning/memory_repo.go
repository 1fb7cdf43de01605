package planning

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	files map[string]*File
	mu    sync.Mutex
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{files: make(map[string]*File)}
}

func memKey(jobID string, t FileType) string {
	return jobID + "/" + string(t)
}

func (r *MemoryRepository) CreatePlanningFile(_ context.Context, f *File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *f
	r.files[memKey(f.JobID, f.Type)] = &c
	return nil
}

func (r *MemoryRepository) GetPlanningFile(_ context.Context, jobID string, t FileType) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[memKey(jobID, t)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *f
	return &c, nil
}

func (r *MemoryRepository) UpdatePlanningFile(_ context.Context, f *File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.files[memKey(f.JobID, f.Type)]
	if !ok {
		return ErrNotFound
	}
	f.Version = cur.Version + 1
	f.UpdatedAt = time.Now().UTC()
	c := *f
	r.files[memKey(f.JobID, f.Type)] = &c
	return nil
}

func (r *MemoryRepository) ListPlanningFiles(_ context.Context, jobID string) ([]*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*File
	for _, f := range r.files {
		if f.JobID == jobID {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Type < out[k].Type })
	return out, nil
}

func (r *MemoryRepository) DeletePlanningFiles(_ context.Context, jobID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, f := range r.files {
		if f.JobID == jobID {
			delete(r.files, k)
			n++
		}
	}
	return n, nil
}
