// Package mutation defines index mutation operations and the batches that
// accumulate them inside a unit of work.
package mutation

import "fmt"

// Kind identifies what an Operation does to the index.
type Kind uint8

const (
	// KindAdd indexes a new document.
	KindAdd Kind = iota + 1
	// KindUpdate replaces any existing document for the entity.
	KindUpdate
	// KindDelete removes the document for one entity.
	KindDelete
	// KindPurge removes one entity, or every entity of a type when the id is empty.
	KindPurge
	// KindOptimize asks every shard to run maintenance.
	KindOptimize
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindPurge:
		return "purge"
	case KindOptimize:
		return "optimize"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindAdd && k <= KindOptimize
}

// Layer orders operations during preparation. Primary operations come from
// direct entity changes; secondary ones are reindexes triggered by changes to
// an owning collection.
type Layer uint8

const (
	LayerPrimary Layer = iota
	LayerSecondary
)

// Operation is a single immutable index mutation. Construct it with Add,
// Update, Delete, Purge or Optimize; modifiers return copies.
type Operation struct {
	kind       Kind
	entityType string
	entityID   string
	batchHint  bool
	layer      Layer
	payload    []byte
}

// Add creates an operation indexing a new document. A nil payload is resolved
// through the document mapper during preparation.
func Add(entityType, entityID string, payload []byte) Operation {
	return Operation{kind: KindAdd, entityType: entityType, entityID: entityID, payload: clone(payload)}
}

// Update creates an operation replacing the document for an entity.
func Update(entityType, entityID string, payload []byte) Operation {
	return Operation{kind: KindUpdate, entityType: entityType, entityID: entityID, payload: clone(payload)}
}

// Delete creates an operation removing the document for an entity.
func Delete(entityType, entityID string) Operation {
	return Operation{kind: KindDelete, entityType: entityType, entityID: entityID}
}

// Purge removes the entity's document, or all documents of the type when
// entityID is empty.
func Purge(entityType, entityID string) Operation {
	return Operation{kind: KindPurge, entityType: entityType, entityID: entityID}
}

// Optimize requests maintenance on every shard. entityType is informational.
func Optimize(entityType string) Operation {
	return Operation{kind: KindOptimize, entityType: entityType}
}

// WithBatchHint returns a copy marked as part of a bulk workload.
func (o Operation) WithBatchHint() Operation {
	o.batchHint = true
	return o
}

// CollectionTriggered returns a copy placed in the secondary layer.
func (o Operation) CollectionTriggered() Operation {
	o.layer = LayerSecondary
	return o
}

// WithPayload returns a copy carrying payload.
func (o Operation) WithPayload(payload []byte) Operation {
	o.payload = clone(payload)
	return o
}

// AsDelete returns a delete for the same entity, keeping hint and layer.
func (o Operation) AsDelete() Operation {
	o.kind = KindDelete
	o.payload = nil
	return o
}

func (o Operation) Kind() Kind { return o.kind }
func (o Operation) EntityType() string { return o.entityType }
func (o Operation) EntityID() string { return o.entityID }
func (o Operation) BatchHint() bool { return o.batchHint }
func (o Operation) Layer() Layer { return o.layer }
func (o Operation) HasPayload() bool { return o.payload != nil }
func (o Operation) Payload() []byte { return clone(o.payload) }

// String renders the operation for logs.
func (o Operation) String() string {
	if o.entityID == "" {
		return fmt.Sprintf("%s(%s)", o.kind, o.entityType)
	}
	return fmt.Sprintf("%s(%s/%s)", o.kind, o.entityType, o.entityID)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
