// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package planfile reads query plans described in YAML and turns them into
// the catalog, storage, query context and plan the foreman executes.
//
// A plan file looks like:
//
//	block_capacity: 4
//	relations:
//	  - name: orders
//	    attributes: 2
//	    tuples: [[1, 10], [2, 20], [3, 30]]
//	  - name: big_orders
//	    attributes: 2
//	operators:
//	  - name: filter
//	    type: select
//	    input: orders
//	    output: big_orders
//	    where: [{attribute: 1, op: ">=", value: 20}]
//	  - name: cleanup
//	    type: drop_table
//	    relation: orders
//	    after: filter
//
// Operators are added to the plan in file order, so an operator's index is
// its position in the list.
package planfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/queryplan"
	"github.com/multigres/multiexec/go/multiexec/relop"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// ErrInvalidPlan is wrapped by every error describing a malformed plan file.
var ErrInvalidPlan = errors.New("invalid plan file")

// File is the decoded form of a plan file.
type File struct {
	// BlockCapacity overrides the capacity passed to Build when positive.
	BlockCapacity int        `yaml:"block_capacity"`
	Relations     []Relation `yaml:"relations"`
	Operators     []Operator `yaml:"operators"`
}

// Relation declares a table and, optionally, its stored contents.
type Relation struct {
	Name       string    `yaml:"name"`
	Attributes int       `yaml:"attributes"`
	Tuples     [][]int64 `yaml:"tuples"`
	// NUMANode places the stored blocks. Unset or -1 means no placement.
	NUMANode *int `yaml:"numa_node"`
}

// Operator declares one node of the plan. Which fields apply depends on
// Type.
type Operator struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	Input    string `yaml:"input"`
	Streamed bool   `yaml:"streamed"`
	Output   string `yaml:"output"`
	// NUMANode is the node the output insert destination allocates on.
	NUMANode *int `yaml:"numa_node"`

	Where   []Condition `yaml:"where"`
	Project []int       `yaml:"project"`

	HashTable string `yaml:"hash_table"`
	Key       int    `yaml:"key"`

	Tuples [][]int64 `yaml:"tuples"`

	Relation   string `yaml:"relation"`
	OnlyBlocks bool   `yaml:"only_blocks"`
	After      string `yaml:"after"`

	BlockSample bool   `yaml:"block_sample"`
	Percentage  int    `yaml:"percentage"`
	Seed        uint64 `yaml:"seed"`

	FanIn int `yaml:"fan_in"`

	DependsOn []Dependency `yaml:"depends_on"`
}

// Dependency is an edge from another operator into this one.
type Dependency struct {
	Operator string `yaml:"operator"`
	Blocking bool   `yaml:"blocking"`
}

// Condition compares one attribute against a constant. A where list is the
// conjunction of its conditions.
type Condition struct {
	Attribute int    `yaml:"attribute"`
	Op        string `yaml:"op"`
	Value     int64  `yaml:"value"`
}

// Query is everything needed to run a plan file.
type Query struct {
	Catalog *catalog.Catalog
	Storage *storage.Manager
	Context *querycontext.QueryContext
	Plan    *queryplan.QueryPlan
	// OperatorNames holds the operator names by plan index.
	OperatorNames []string
}

// Load decodes a plan file. Unknown keys are rejected.
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPlan)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	return &f, nil
}

// LoadFile reads and decodes the plan file at path on fs.
func LoadFile(fs afero.Fs, path string) (*File, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan file: %w", err)
	}
	defer file.Close()

	f, err := Load(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// LoadOSFile is LoadFile on the local filesystem.
func LoadOSFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("opening plan file: %w", os.ErrNotExist)
	}
	return LoadFile(afero.NewOsFs(), path)
}

// Build creates a fresh catalog and storage holding the declared relations
// and a plan holding the declared operators. Every numa_node in the file must
// name one of the numNUMANodes nodes the plan will run on.
func (f *File) Build(blockCapacity, numNUMANodes int) (*Query, error) {
	if f.BlockCapacity > 0 {
		blockCapacity = f.BlockCapacity
	}
	if blockCapacity <= 0 {
		return nil, fmt.Errorf("%w: block capacity must be positive, got %d", ErrInvalidPlan, blockCapacity)
	}
	if numNUMANodes <= 0 {
		return nil, fmt.Errorf("%w: NUMA node count must be positive, got %d", ErrInvalidPlan, numNUMANodes)
	}

	b := &builder{
		file:         f,
		numNUMANodes: numNUMANodes,
		cat:          catalog.New(),
		store:        storage.NewManager(blockCapacity),
		plan:         queryplan.New(),
		relations:    make(map[string]*catalog.Relation),
		operators:    make(map[string]int),
		hashTables:   make(map[string]querycontext.HashTableID),
	}
	b.qctx = querycontext.New(b.cat, b.store)

	for _, r := range f.Relations {
		if err := b.addRelation(r); err != nil {
			return nil, err
		}
	}
	for i, o := range f.Operators {
		name := o.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", o.Type, i)
		}
		if _, dup := b.operators[name]; dup {
			return nil, fmt.Errorf("%w: duplicate operator %q", ErrInvalidPlan, name)
		}
		op, err := b.operator(o)
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", name, err)
		}
		b.operators[name] = b.plan.AddRelationalOperator(op)
		b.names = append(b.names, name)
	}
	if err := b.link(); err != nil {
		return nil, err
	}

	return &Query{
		Catalog:       b.cat,
		Storage:       b.store,
		Context:       b.qctx,
		Plan:          b.plan,
		OperatorNames: b.names,
	}, nil
}

type builder struct {
	file  *File
	cat   *catalog.Catalog
	store *storage.Manager
	qctx  *querycontext.QueryContext
	plan  *queryplan.QueryPlan

	numNUMANodes int

	relations  map[string]*catalog.Relation
	operators  map[string]int
	hashTables map[string]querycontext.HashTableID
	names      []string
}

func (b *builder) addRelation(r Relation) error {
	if r.Name == "" {
		return fmt.Errorf("%w: relation without a name", ErrInvalidPlan)
	}
	if _, dup := b.relations[r.Name]; dup {
		return fmt.Errorf("%w: duplicate relation %q", ErrInvalidPlan, r.Name)
	}
	if r.Attributes <= 0 {
		return fmt.Errorf("%w: relation %q needs at least one attribute", ErrInvalidPlan, r.Name)
	}
	node, err := b.numaNode(r.NUMANode)
	if err != nil {
		return fmt.Errorf("relation %q: %w", r.Name, err)
	}

	rel := b.cat.AddRelation(r.Name, r.Attributes)
	b.relations[r.Name] = rel
	for chunk := range slices.Chunk(r.Tuples, b.store.BlockCapacity()) {
		block := b.store.CreateBlock(node)
		for _, t := range chunk {
			if len(t) != r.Attributes {
				return fmt.Errorf("%w: relation %q has %d attributes, tuple %v has %d",
					ErrInvalidPlan, r.Name, r.Attributes, t, len(t))
			}
			if err := block.Insert(storage.Tuple(t)); err != nil {
				return fmt.Errorf("loading relation %q: %w", r.Name, err)
			}
		}
		rel.Blocks().Append(block.ID())
		rel.SetBlockNUMANode(block.ID(), node)
	}
	return nil
}

// numaNode resolves an optional numa_node setting. Unset and -1 both mean no
// placement; anything else must be in [0, numNUMANodes).
func (b *builder) numaNode(p *int) (int, error) {
	if p == nil || *p == storage.NoNUMANode {
		return storage.NoNUMANode, nil
	}
	if *p < 0 || *p >= b.numNUMANodes {
		return storage.NoNUMANode, fmt.Errorf("%w: NUMA node %d out of range [0, %d)", ErrInvalidPlan, *p, b.numNUMANodes)
	}
	return *p, nil
}

func (b *builder) relation(name string) (catalog.RelationID, error) {
	rel, err := b.input(name)
	if err != nil {
		return catalog.InvalidRelationID, err
	}
	return rel.ID(), nil
}

func (b *builder) input(name string) (*catalog.Relation, error) {
	rel, ok := b.relations[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown relation %q", ErrInvalidPlan, name)
	}
	return rel, nil
}

func checkAttribute(what string, attr, width int) error {
	if attr < 0 || attr >= width {
		return fmt.Errorf("%w: %s attribute %d out of range [0, %d)", ErrInvalidPlan, what, attr, width)
	}
	return nil
}

func (b *builder) hashTable(name string) (querycontext.HashTableID, error) {
	if name == "" {
		return querycontext.InvalidHashTableID, fmt.Errorf("%w: missing hash_table", ErrInvalidPlan)
	}
	if id, ok := b.hashTables[name]; ok {
		return id, nil
	}
	id := b.qctx.AddJoinHashTable(querycontext.NewJoinHashTable())
	b.hashTables[name] = id
	return id, nil
}

// destination registers the insert destination of the operator about to be
// added to the plan.
func (b *builder) destination(o Operator) (catalog.RelationID, querycontext.InsertDestinationID, error) {
	out, err := b.relation(o.Output)
	if err != nil {
		return out, querycontext.InvalidInsertDestinationID, err
	}
	node, err := b.numaNode(o.NUMANode)
	if err != nil {
		return out, querycontext.InvalidInsertDestinationID, err
	}
	d := insertdest.New(b.cat, b.store, out, b.plan.NumOperators(), node)
	return out, b.qctx.AddInsertDestination(d), nil
}

func (b *builder) operator(o Operator) (relop.Operator, error) {
	switch o.Type {
	case "select":
		in, err := b.input(o.Input)
		if err != nil {
			return nil, err
		}
		pred, proj, err := b.selection(o, in.NumAttributes())
		if err != nil {
			return nil, err
		}
		out, dest, err := b.destination(o)
		if err != nil {
			return nil, err
		}
		return relop.NewSelect(in.ID(), !o.Streamed, out, dest, pred, proj), nil

	case "insert":
		out, dest, err := b.destination(o)
		if err != nil {
			return nil, err
		}
		tuples := make([]storage.Tuple, len(o.Tuples))
		for i, t := range o.Tuples {
			tuples[i] = storage.Tuple(t)
		}
		return relop.NewInsert(out, dest, tuples), nil

	case "build_hash":
		in, err := b.input(o.Input)
		if err != nil {
			return nil, err
		}
		if err := checkAttribute("key", o.Key, in.NumAttributes()); err != nil {
			return nil, err
		}
		ht, err := b.hashTable(o.HashTable)
		if err != nil {
			return nil, err
		}
		return relop.NewBuildHash(in.ID(), !o.Streamed, ht, o.Key), nil

	case "hash_join":
		probe, err := b.input(o.Input)
		if err != nil {
			return nil, err
		}
		if err := checkAttribute("key", o.Key, probe.NumAttributes()); err != nil {
			return nil, err
		}
		ht, err := b.hashTable(o.HashTable)
		if err != nil {
			return nil, err
		}
		out, dest, err := b.destination(o)
		if err != nil {
			return nil, err
		}
		return relop.NewHashJoin(probe.ID(), !o.Streamed, out, dest, ht, o.Key), nil

	case "destroy_hash":
		ht, err := b.hashTable(o.HashTable)
		if err != nil {
			return nil, err
		}
		return relop.NewDestroyHash(ht), nil

	case "drop_table":
		rel, err := b.relation(o.Relation)
		if err != nil {
			return nil, err
		}
		return relop.NewDropTable(b.cat, rel, o.OnlyBlocks), nil

	case "sample":
		in, err := b.relation(o.Input)
		if err != nil {
			return nil, err
		}
		out, dest, err := b.destination(o)
		if err != nil {
			return nil, err
		}
		return relop.NewSample(in, !o.Streamed, out, dest, o.BlockSample, o.Percentage, o.Seed), nil

	case "merge_runs":
		in, err := b.relation(o.Input)
		if err != nil {
			return nil, err
		}
		out, err := b.relation(o.Output)
		if err != nil {
			return nil, err
		}
		if o.FanIn < 2 {
			return nil, fmt.Errorf("%w: merge_runs fan_in must be at least 2, got %d", ErrInvalidPlan, o.FanIn)
		}
		return relop.NewMergeRuns(b.cat, in, !o.Streamed, out, o.FanIn), nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPlan)
	default:
		return nil, fmt.Errorf("%w: unknown operator type %q", ErrInvalidPlan, o.Type)
	}
}

// selection compiles the where and project lists of a select over an input
// relation with width attributes.
func (b *builder) selection(o Operator, width int) (querycontext.PredicateID, querycontext.ProjectionID, error) {
	pred, proj := querycontext.InvalidPredicateID, querycontext.InvalidProjectionID
	if len(o.Where) > 0 {
		p, err := compileWhere(o.Where, width)
		if err != nil {
			return pred, proj, err
		}
		pred = b.qctx.AddPredicate(p)
	}
	if len(o.Project) > 0 {
		attrs := slices.Clone(o.Project)
		for _, a := range attrs {
			if err := checkAttribute("projection", a, width); err != nil {
				return pred, proj, err
			}
		}
		proj = b.qctx.AddProjection(func(t storage.Tuple) storage.Tuple {
			out := make(storage.Tuple, len(attrs))
			for i, a := range attrs {
				out[i] = t[a]
			}
			return out
		})
	}
	return pred, proj, nil
}

func compileWhere(conds []Condition, width int) (querycontext.Predicate, error) {
	tests := make([]func(storage.Tuple) bool, 0, len(conds))
	for _, c := range conds {
		cmp, ok := comparisons[c.Op]
		if !ok {
			return nil, fmt.Errorf("%w: unknown comparison %q", ErrInvalidPlan, c.Op)
		}
		if err := checkAttribute("where", c.Attribute, width); err != nil {
			return nil, err
		}
		attr, value := c.Attribute, c.Value
		tests = append(tests, func(t storage.Tuple) bool { return cmp(t[attr], value) })
	}
	return func(t storage.Tuple) bool {
		for _, test := range tests {
			if !test(t) {
				return false
			}
		}
		return true
	}, nil
}

var comparisons = map[string]func(a, b int64) bool{
	"=":  func(a, b int64) bool { return a == b },
	"!=": func(a, b int64) bool { return a != b },
	"<":  func(a, b int64) bool { return a < b },
	"<=": func(a, b int64) bool { return a <= b },
	">":  func(a, b int64) bool { return a > b },
	">=": func(a, b int64) bool { return a >= b },
}

// link adds the declared edges. Drops placed with "after" are linked last so
// every reader of the producer is already known.
func (b *builder) link() error {
	for i, o := range b.file.Operators {
		for _, d := range o.DependsOn {
			dep, ok := b.operators[d.Operator]
			if !ok {
				return fmt.Errorf("%w: operator %q depends on unknown operator %q", ErrInvalidPlan, b.names[i], d.Operator)
			}
			if dep == i {
				return fmt.Errorf("%w: operator %q depends on itself", ErrInvalidPlan, b.names[i])
			}
			b.plan.AddDirectDependency(i, dep, d.Blocking)
		}
	}
	for i, o := range b.file.Operators {
		if o.After == "" {
			continue
		}
		if o.Type != "drop_table" {
			return fmt.Errorf("%w: operator %q: after is only valid for drop_table", ErrInvalidPlan, b.names[i])
		}
		producer, ok := b.operators[o.After]
		if !ok {
			return fmt.Errorf("%w: operator %q follows unknown operator %q", ErrInvalidPlan, b.names[i], o.After)
		}
		b.plan.AddDependenciesForDropOperator(i, producer)
	}
	if err := b.plan.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	return nil
}
