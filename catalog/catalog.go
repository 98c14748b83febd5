// Package catalog is the minimal executor-facing surface spec.md §6
// names as a consumer of this core: a table/index directory the core
// treats as an external collaborator. It is grounded on the teacher
// repo's catalog.InMemCatalog, trimmed to the three lookups spec.md
// lists (GetTable, GetIndex, GetTableIndexes) and the record shapes a
// caller needs to use them; it does not implement a table heap, tuple
// codec, or executor operators, which spec.md places out of scope.
package catalog

import (
	"sync"

	"github.com/pkg/errors"

	"relcore/btree"
)

type TableOID uint32
type IndexOID uint32

// ErrTableNotFound and ErrIndexNotFound are returned by lookups
// against an OID or name the catalog has no entry for.
var (
	ErrTableNotFound = errors.New("catalog: table not found")
	ErrIndexNotFound = errors.New("catalog: index not found")
)

// TableInfo is the record a caller gets back for a registered table.
// ColumnCount stands in for a full Schema the way the teacher's
// TableInfo carries one, since row/tuple layout is out of scope here.
type TableInfo struct {
	Name        string
	OID         TableOID
	ColumnCount int
}

// IndexInfo is the record a caller gets back for a registered index,
// pairing the B+ tree that backs it with the table and columns it
// indexes.
type IndexInfo struct {
	Name          string
	OID           IndexOID
	TableOID      TableOID
	ColumnIndexes []int
	IsUnique      bool
	Tree          *btree.BTree
}

// Catalog is the contract spec.md §6 names: GetTable, GetIndex, and
// GetTableIndexes, consumed by the core but never implemented by it.
type Catalog interface {
	GetTable(oid TableOID) (*TableInfo, error)
	GetIndex(oid IndexOID) (*IndexInfo, error)
	GetTableIndexes(tableName string) ([]*IndexInfo, error)
}

// InMemCatalog is an in-memory Catalog, the same shape as the
// teacher's InMemCatalog with its table-heap and tuple-codec fields
// dropped, registered by a caller rather than built from DDL.
type InMemCatalog struct {
	mu sync.RWMutex

	tables     map[TableOID]*TableInfo
	tableNames map[string]TableOID

	indexes       map[IndexOID]*IndexInfo
	indexesByName map[string][]IndexOID // tableName -> index OIDs

	nextTableOID TableOID
	nextIndexOID IndexOID
}

func NewCatalog() *InMemCatalog {
	return &InMemCatalog{
		tables:        make(map[TableOID]*TableInfo),
		tableNames:    make(map[string]TableOID),
		indexes:       make(map[IndexOID]*IndexInfo),
		indexesByName: make(map[string][]IndexOID),
	}
}

// RegisterTable adds a table to the catalog, the way a caller's DDL
// layer would before the core ever sees the table's OID.
func (c *InMemCatalog) RegisterTable(name string, columnCount int) *TableInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextTableOID++
	info := &TableInfo{Name: name, OID: c.nextTableOID, ColumnCount: columnCount}
	c.tables[info.OID] = info
	c.tableNames[name] = info.OID
	return info
}

// RegisterIndex adds an index over an already-registered table.
func (c *InMemCatalog) RegisterIndex(name string, tableName string, columnIndexes []int, isUnique bool, tree *btree.BTree) (*IndexInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tableOID, ok := c.tableNames[tableName]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "table %q", tableName)
	}

	c.nextIndexOID++
	info := &IndexInfo{
		Name:          name,
		OID:           c.nextIndexOID,
		TableOID:      tableOID,
		ColumnIndexes: columnIndexes,
		IsUnique:      isUnique,
		Tree:          tree,
	}
	c.indexes[info.OID] = info
	c.indexesByName[tableName] = append(c.indexesByName[tableName], info.OID)
	return info, nil
}

func (c *InMemCatalog) GetTable(oid TableOID) (*TableInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.tables[oid]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "oid %d", oid)
	}
	return info, nil
}

func (c *InMemCatalog) GetIndex(oid IndexOID) (*IndexInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.indexes[oid]
	if !ok {
		return nil, errors.Wrapf(ErrIndexNotFound, "oid %d", oid)
	}
	return info, nil
}

func (c *InMemCatalog) GetTableIndexes(tableName string) ([]*IndexInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.tableNames[tableName]; !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "table %q", tableName)
	}

	oids := c.indexesByName[tableName]
	out := make([]*IndexInfo, 0, len(oids))
	for _, oid := range oids {
		out = append(out, c.indexes[oid])
	}
	return out, nil
}

var _ Catalog = &InMemCatalog{}
