// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package materializer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/docnode/services/node/operation"
)

// =============================================================================
// Test Fixtures
// =============================================================================

func hashID(seed string) operation.OperationID {
	return operation.OperationID(operation.NewHash([]byte(seed)))
}

func docID(seed string) operation.DocumentID {
	return operation.DocumentID(hashID(seed))
}

var owner = operation.PublicKey(strings.Repeat("ef", 32))

// memoryProvider serves views from maps. gate, when set, blocks every
// lookup until closed.
type memoryProvider struct {
	mu     sync.Mutex
	latest map[operation.DocumentID]*operation.DocumentView
	views  map[operation.DocumentViewID]*operation.DocumentView
	calls  atomic.Int64
	gate   chan struct{}
	err    error
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{
		latest: make(map[operation.DocumentID]*operation.DocumentView),
		views:  make(map[operation.DocumentViewID]*operation.DocumentView),
	}
}

func (p *memoryProvider) put(v *operation.DocumentView) *operation.DocumentView {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest[v.ID] = v
	p.views[v.ViewID] = v
	return v
}

func (p *memoryProvider) wait(ctx context.Context) error {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func (p *memoryProvider) GetDocument(ctx context.Context, id operation.DocumentID) (*operation.DocumentView, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest[id], nil
}

func (p *memoryProvider) GetDocumentByViewID(ctx context.Context, id operation.DocumentViewID) (*operation.DocumentView, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.views[id], nil
}

func view(seed string, fields ...operation.ViewField) *operation.DocumentView {
	id := hashID(seed)
	return &operation.DocumentView{
		ID:       operation.DocumentID(id),
		ViewID:   operation.NewDocumentViewID(id),
		Owner:    owner,
		SchemaID: operation.NewApplicationSchemaID("thing", operation.NewDocumentViewID(hashID("schema"))),
		Fields:   fields,
	}
}

func field(name string, v operation.Value) operation.ViewField {
	return operation.ViewField{Name: name, OperationID: hashID(name), Value: v}
}

// =============================================================================
// Tests
// =============================================================================

func TestMaterialize_ScalarsAndSelection(t *testing.T) {
	p := newMemoryProvider()
	root := p.put(view("root",
		field("name", operation.NewString("hall")),
		field("capacity", operation.NewInt(120)),
		field("open", operation.NewBool(true)),
	))
	m := New(p, Config{})

	doc, err := m.Materialize(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, root.ID, doc.ID)
	assert.Equal(t, owner, doc.Owner)
	require.Len(t, doc.Fields, 3)
	assert.Equal(t, "name", doc.Fields[0].Name)
	assert.Equal(t, operation.NewInt(120), doc.Fields[1].Value)

	doc, err = m.Materialize(context.Background(), root, []string{"open", "name", "missing"})
	require.NoError(t, err)
	require.Len(t, doc.Fields, 2)
	assert.Equal(t, "open", doc.Fields[0].Name)
	assert.Equal(t, "name", doc.Fields[1].Name)

	assert.Zero(t, p.calls.Load(), "scalars need no lookups")
}

func TestMaterialize_RelationAndPinnedRelation(t *testing.T) {
	p := newMemoryProvider()
	oldCity := p.put(view("city", field("name", operation.NewString("old"))))
	newCity := view("city-update", field("name", operation.NewString("new")))
	newCity.ID = oldCity.ID
	newCity.Edited = true
	p.put(newCity)

	root := p.put(view("root",
		field("city", operation.NewRelation(oldCity.ID)),
		field("founded_in", operation.NewPinnedRelation(oldCity.ViewID)),
	))

	doc, err := New(p, Config{}).Materialize(context.Background(), root, nil)
	require.NoError(t, err)

	city, ok := doc.Field("city")
	require.True(t, ok)
	require.NotNil(t, city.Document)
	assert.Equal(t, newCity.ViewID, city.Document.ViewID, "relation follows the latest view")
	assert.True(t, city.Document.Edited)

	pinned, ok := doc.Field("founded_in")
	require.True(t, ok)
	require.NotNil(t, pinned.Document)
	assert.Equal(t, oldCity.ViewID, pinned.Document.ViewID, "pinned relation keeps its view")
	name, _ := pinned.Document.Field("name")
	assert.Equal(t, "old", name.Value.Str())
}

func TestMaterialize_ListsKeepOrder(t *testing.T) {
	p := newMemoryProvider()
	var ids []operation.DocumentID
	var views []operation.DocumentViewID
	for i := 0; i < 12; i++ {
		v := p.put(view(fmt.Sprintf("item-%d", i), field("n", operation.NewInt(int64(i)))))
		ids = append(ids, v.ID)
		views = append(views, v.ViewID)
	}
	// Duplicates stay in place.
	ids = append(ids, ids[3])

	root := p.put(view("root",
		field("items", operation.NewRelationList(ids...)),
		field("pinned", operation.NewPinnedRelationList(views...)),
		field("none", operation.NewRelationList()),
	))

	doc, err := New(p, Config{Concurrency: 3}).Materialize(context.Background(), root, nil)
	require.NoError(t, err)

	items, _ := doc.Field("items")
	require.Len(t, items.Documents, len(ids))
	for i, d := range items.Documents {
		assert.Equal(t, ids[i], d.ID, "element %d", i)
	}

	pinned, _ := doc.Field("pinned")
	require.Len(t, pinned.Documents, len(views))
	for i, d := range pinned.Documents {
		assert.Equal(t, views[i], d.ViewID, "element %d", i)
	}

	none, _ := doc.Field("none")
	assert.NotNil(t, none.Documents)
	assert.Empty(t, none.Documents)
}

func TestMaterialize_DanglingRelation(t *testing.T) {
	p := newMemoryProvider()
	missing := docID("ghost")
	root := p.put(view("root", field("city", operation.NewRelation(missing))))

	_, err := New(p, Config{}).Materialize(context.Background(), root, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, missing, nf.DocumentID)
	assert.Equal(t, "city", nf.Field)
	assert.Contains(t, err.Error(), "city")
}

func TestMaterialize_DanglingPinnedListElement(t *testing.T) {
	p := newMemoryProvider()
	present := p.put(view("present"))
	missing := operation.NewDocumentViewID(hashID("gone"))
	root := p.put(view("root", field("refs", operation.NewPinnedRelationList(present.ViewID, missing))))

	_, err := New(p, Config{}).Materialize(context.Background(), root, nil)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, missing, nf.ViewID)
}

func TestMaterialize_CycleYieldsStub(t *testing.T) {
	p := newMemoryProvider()
	a := view("a")
	b := view("b")
	a.Fields = []operation.ViewField{field("next", operation.NewRelation(b.ID))}
	b.Fields = []operation.ViewField{field("next", operation.NewRelation(a.ID))}
	p.put(a)
	p.put(b)

	doc, err := New(p, Config{}).Materialize(context.Background(), a, nil)
	require.NoError(t, err)

	next, _ := doc.Field("next")
	require.NotNil(t, next.Document)
	assert.Equal(t, b.ID, next.Document.ID)
	assert.False(t, next.Document.Cyclic)

	back, _ := next.Document.Field("next")
	require.NotNil(t, back.Document)
	assert.Equal(t, a.ID, back.Document.ID)
	assert.True(t, back.Document.Cyclic)
	assert.Empty(t, back.Document.Fields)
	assert.Equal(t, a.ViewID, back.Document.ViewID)
}

func TestMaterialize_SelfReference(t *testing.T) {
	p := newMemoryProvider()
	a := view("self")
	a.Fields = []operation.ViewField{field("me", operation.NewRelation(a.ID))}
	p.put(a)

	doc, err := New(p, Config{}).Materialize(context.Background(), a, nil)
	require.NoError(t, err)
	me, _ := doc.Field("me")
	assert.True(t, me.Document.Cyclic)
}

func TestMaterialize_SiblingsAreNotCycles(t *testing.T) {
	p := newMemoryProvider()
	shared := p.put(view("shared", field("n", operation.NewInt(1))))
	root := p.put(view("root",
		field("left", operation.NewRelation(shared.ID)),
		field("right", operation.NewRelation(shared.ID)),
	))

	doc, err := New(p, Config{}).Materialize(context.Background(), root, nil)
	require.NoError(t, err)
	for _, name := range []string{"left", "right"} {
		f, _ := doc.Field(name)
		assert.False(t, f.Document.Cyclic, name)
		assert.Len(t, f.Document.Fields, 1, name)
	}
}

func TestMaterialize_DepthExceeded(t *testing.T) {
	p := newMemoryProvider()
	const chain = 6
	views := make([]*operation.DocumentView, chain)
	for i := range views {
		views[i] = view(fmt.Sprintf("link-%d", i))
	}
	for i := 0; i < chain-1; i++ {
		views[i].Fields = []operation.ViewField{field("next", operation.NewRelation(views[i+1].ID))}
	}
	for _, v := range views {
		p.put(v)
	}

	_, err := New(p, Config{MaxDepth: chain}).Materialize(context.Background(), views[0], nil)
	require.NoError(t, err, "a path of exactly MaxDepth documents is allowed")

	_, err = New(p, Config{MaxDepth: chain - 1}).Materialize(context.Background(), views[0], nil)
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestMaterialize_CoalescesLookups(t *testing.T) {
	p := newMemoryProvider()
	target := p.put(view("target"))
	ids := make([]operation.DocumentID, 10)
	for i := range ids {
		ids[i] = target.ID
	}
	root := p.put(view("root", field("many", operation.NewRelationList(ids...))))

	p.gate = make(chan struct{})
	m := New(p, Config{Concurrency: -1})

	done := make(chan error, 1)
	go func() {
		_, err := m.Materialize(context.Background(), root, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return p.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(p.gate)

	require.NoError(t, <-done)
	assert.Less(t, p.calls.Load(), int64(len(ids)))
}

func TestMaterialize_Cancelled(t *testing.T) {
	p := newMemoryProvider()
	target := p.put(view("target"))
	root := p.put(view("root", field("rel", operation.NewRelation(target.ID))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(p, Config{}).Materialize(ctx, root, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMaterialize_CancelledWhileWaiting(t *testing.T) {
	p := newMemoryProvider()
	target := p.put(view("target"))
	root := p.put(view("root", field("rel", operation.NewRelation(target.ID))))
	p.gate = make(chan struct{})
	defer close(p.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(p, Config{}).Materialize(ctx, root, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMaterialize_SharedLookupSurvivesCancelledCaller(t *testing.T) {
	p := newMemoryProvider()
	target := p.put(view("target", field("name", operation.NewString("shared"))))
	rootA := p.put(view("root-a", field("rel", operation.NewRelation(target.ID))))
	rootB := p.put(view("root-b", field("rel", operation.NewRelation(target.ID))))
	p.gate = make(chan struct{})
	m := New(p, Config{})

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	go func() {
		_, err := m.Materialize(ctxA, rootA, nil)
		doneA <- err
	}()
	require.Eventually(t, func() bool { return p.calls.Load() >= 1 }, time.Second, time.Millisecond)

	type result struct {
		doc *Document
		err error
	}
	doneB := make(chan result, 1)
	go func() {
		doc, err := m.Materialize(context.Background(), rootB, nil)
		doneB <- result{doc, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-doneA, context.Canceled)
	close(p.gate)

	res := <-doneB
	require.NoError(t, res.err)
	rel, ok := res.doc.Field("rel")
	require.True(t, ok)
	require.NotNil(t, rel.Document)
	assert.Equal(t, target.ID, rel.Document.ID)
}

func TestMaterialize_ProviderError(t *testing.T) {
	p := newMemoryProvider()
	target := p.put(view("target"))
	root := p.put(view("root", field("rel", operation.NewRelation(target.ID))))
	boom := errors.New("disk on fire")
	p.err = boom

	_, err := New(p, Config{}).Materialize(context.Background(), root, nil)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMaterializeDocumentAndView(t *testing.T) {
	p := newMemoryProvider()
	v := p.put(view("doc", field("n", operation.NewInt(7))))
	m := New(p, Config{})
	ctx := context.Background()

	doc, err := m.MaterializeDocument(ctx, v.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, v.ViewID, doc.ViewID)

	doc, err = m.MaterializeView(ctx, v.ViewID, []string{"n"})
	require.NoError(t, err)
	assert.Len(t, doc.Fields, 1)

	_, err = m.MaterializeDocument(ctx, docID("nope"), nil)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Empty(t, nf.Field)

	_, err = m.MaterializeView(ctx, operation.NewDocumentViewID(hashID("nope")), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Materialize(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
