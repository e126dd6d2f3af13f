package eventstore

// SearchQuery describes a filter over the event log: the handler's
// fetch-next-batch query is built from exactly these fields.
type SearchQuery struct {
	AggregateTypes    []AggregateType
	EventTypes        []EventType
	InstanceIDs       []string
	PositionAtleast   *GlobalPosition
	PositionExclusive bool // when true, PositionAtleast is an exclusive lower bound
	Limit             uint64
	Desc              bool
}

// SearchQueryBuilder provides a fluent construction of a SearchQuery,
// mirroring the shape the teacher's own eventstore query builder takes at
// the point it is consumed by a projection handler.
type SearchQueryBuilder struct {
	q SearchQuery
}

func NewSearchQueryBuilder() *SearchQueryBuilder {
	return &SearchQueryBuilder{}
}

func (b *SearchQueryBuilder) AggregateTypes(types ...AggregateType) *SearchQueryBuilder {
	b.q.AggregateTypes = types
	return b
}

func (b *SearchQueryBuilder) EventTypes(types ...EventType) *SearchQueryBuilder {
	b.q.EventTypes = types
	return b
}

func (b *SearchQueryBuilder) InstanceIDs(ids ...string) *SearchQueryBuilder {
	b.q.InstanceIDs = ids
	return b
}

// PositionAfter sets an exclusive lower bound: only events strictly
// greater than pos (lexicographically) are returned.
func (b *SearchQueryBuilder) PositionAfter(pos GlobalPosition) *SearchQueryBuilder {
	p := pos
	b.q.PositionAtleast = &p
	b.q.PositionExclusive = true
	return b
}

func (b *SearchQueryBuilder) Limit(limit uint64) *SearchQueryBuilder {
	b.q.Limit = limit
	return b
}

func (b *SearchQueryBuilder) Desc() *SearchQueryBuilder {
	b.q.Desc = true
	return b
}

func (b *SearchQueryBuilder) Build() *SearchQuery {
	q := b.q
	return &q
}
