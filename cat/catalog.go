// Package cat defines the catalog interface the planner consumes: table and
// column metadata, statistics, partitioning, and foreign-table hooks. The
// in-memory implementation doubles as the test fixture and backs the
// differential executor.
package cat

import (
	"fmt"

	"github.com/gogo/protobuf/sortkeys"
	"github.com/relplan/relplan/nodes"
)

// Column describes one table column.
type Column struct {
	Name    string
	Type    nodes.Type
	NotNull bool
}

// Statistics are the planner-visible size estimates for a table.
type Statistics struct {
	RowCount float64
}

// PartitionScheme describes hash/list partitioning on a single key column.
// Two tables partitioned with equal schemes (same modulus, same key type)
// can be joined partition-wise.
type PartitionScheme struct {
	KeyColumn int // 1-based column number of the partition key
	Modulus   int
}

// Compatible reports whether two schemes partition their rows identically.
func (s *PartitionScheme) Compatible(o *PartitionScheme) bool {
	return s != nil && o != nil && s.Modulus == o.Modulus
}

// Table is the catalog entry for one relation.
type Table struct {
	Name    string
	Columns []Column
	Stats   Statistics

	// Foreign marks a foreign table served by a data wrapper.
	Foreign bool

	// Partitioning; Partitions are themselves catalog tables.
	Scheme     *PartitionScheme
	Partitions []*Table

	// Rows backs the in-memory executor. Real deployments keep data in the
	// storage layer; the planner never reads it.
	Rows [][]nodes.Datum
}

// Partitioned reports whether the table is the parent of a partition tree.
func (t *Table) Partitioned() bool { return len(t.Partitions) > 0 }

// ColumnIndex returns the 1-based index of the named column, or 0.
func (t *Table) ColumnIndex(name string) int {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return i + 1
		}
	}
	return 0
}

// Catalog resolves table names for the planner.
type Catalog interface {
	Table(name string) (*Table, error)
}

// MemCatalog is an in-memory Catalog.
type MemCatalog struct {
	tables map[string]*Table
}

// NewMemCatalog returns an empty catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{tables: make(map[string]*Table)}
}

// AddTable registers a table, replacing any same-named entry.
func (c *MemCatalog) AddTable(t *Table) *Table {
	c.tables[t.Name] = t
	return t
}

// Table implements Catalog.
func (c *MemCatalog) Table(name string) (*Table, error) {
	if t, ok := c.tables[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("table %q does not exist", name)
}

// TableNames returns the registered names in sorted order.
func (c *MemCatalog) TableNames() []string {
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	sortkeys.Strings(names)
	return names
}
