package fieldcrypt

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// fakeRewriter is an in-memory Rewriter for rotation and migration tests.
type fakeRewriter struct {
	mu       sync.Mutex
	cipher   map[string]map[int64]CipherRow // subject -> id -> row
	plain    map[int64]PlainRow
	status   *MigrationStatus
	failNext map[string]int // subject -> remaining RewriteCipherRows failures
}

func newFakeRewriter() *fakeRewriter {
	return &fakeRewriter{
		cipher:   make(map[string]map[int64]CipherRow),
		plain:    make(map[int64]PlainRow),
		failNext: make(map[string]int),
	}
}

func (f *fakeRewriter) addCipher(subject string, row CipherRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cipher[subject] == nil {
		f.cipher[subject] = make(map[int64]CipherRow)
	}
	f.cipher[subject][row.ID] = row
}

func (f *fakeRewriter) Subjects(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for s := range f.cipher {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeRewriter) CipherRows(_ context.Context, subject string) ([]CipherRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CipherRow
	for _, row := range f.cipher[subject] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRewriter) RewriteCipherRows(_ context.Context, rows []CipherRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for subject, n := range f.failNext {
		if n > 0 {
			for _, row := range rows {
				if _, ok := f.cipher[subject][row.ID]; ok {
					f.failNext[subject] = n - 1
					return fmt.Errorf("injected rewrite failure for %s", subject)
				}
			}
		}
	}
	for _, row := range rows {
		for subject := range f.cipher {
			if _, ok := f.cipher[subject][row.ID]; ok {
				f.cipher[subject][row.ID] = row
			}
		}
	}
	return nil
}

func (f *fakeRewriter) CountPlain(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.plain)), nil
}

func (f *fakeRewriter) PlainRows(_ context.Context, afterID int64, limit int) ([]PlainRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PlainRow
	for _, row := range f.plain {
		if row.ID > afterID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRewriter) MarkEncrypted(_ context.Context, id int64, valueCipher, qualityCipher string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.plain[id]; !ok {
		return nil
	}
	delete(f.plain, id)
	if f.cipher["migrated"] == nil {
		f.cipher["migrated"] = make(map[int64]CipherRow)
	}
	f.cipher["migrated"][id] = CipherRow{ID: id, ValueCipher: valueCipher, QualityCipher: qualityCipher}
	return nil
}

func (f *fakeRewriter) LoadMigrationStatus(context.Context) (*MigrationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return nil, nil
	}
	st := *f.status
	return &st, nil
}

func (f *fakeRewriter) SaveMigrationStatus(_ context.Context, st *MigrationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *st
	f.status = &copied
	return nil
}
