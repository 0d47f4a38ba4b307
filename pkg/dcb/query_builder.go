package dcb

// QueryBuilder provides a fluent way to build a Query whose items are
// combined with OR while conditions within one item are combined with AND.
// Call AddItem to start a new OR-branch, WithType/WithTag to AND
// conditions into the current one.
type QueryBuilder struct {
	items   []QueryItem
	current struct {
		eventTypes []string
		tags       []Tag
	}
}

// NewQueryBuilder starts a new, empty QueryBuilder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// AddItem finalizes the current QueryItem (if it has content) and starts a
// new one that will be ORed with the rest.
func (qb *QueryBuilder) AddItem() *QueryBuilder {
	qb.flush()
	return qb
}

func (qb *QueryBuilder) flush() {
	if len(qb.current.eventTypes) > 0 || len(qb.current.tags) > 0 {
		qb.items = append(qb.items, NewQueryItem(qb.current.eventTypes, qb.current.tags))
		qb.current.eventTypes = nil
		qb.current.tags = nil
	}
}

// WithTag ANDs a tag condition into the current item.
func (qb *QueryBuilder) WithTag(key, value string) *QueryBuilder {
	qb.current.tags = append(qb.current.tags, NewTag(key, value))
	return qb
}

// WithTags ANDs tag conditions built from alternating key/value pairs into
// the current item.
func (qb *QueryBuilder) WithTags(kv ...string) *QueryBuilder {
	for _, t := range NewTags(kv...) {
		qb.current.tags = append(qb.current.tags, t)
	}
	return qb
}

// WithType ORs an event type into the current item's type set.
func (qb *QueryBuilder) WithType(eventType string) *QueryBuilder {
	qb.current.eventTypes = append(qb.current.eventTypes, eventType)
	return qb
}

// WithTypes ORs event types into the current item's type set.
func (qb *QueryBuilder) WithTypes(eventTypes ...string) *QueryBuilder {
	qb.current.eventTypes = append(qb.current.eventTypes, eventTypes...)
	return qb
}

// WithTagAndType is shorthand for WithTag(key, value).WithType(eventType).
func (qb *QueryBuilder) WithTagAndType(key, value, eventType string) *QueryBuilder {
	return qb.WithTag(key, value).WithType(eventType)
}

// Build finalizes and returns the Query. An empty builder yields QueryAll.
func (qb *QueryBuilder) Build() Query {
	qb.flush()
	if len(qb.items) == 0 {
		return QueryAll()
	}
	return NewQueryFromItems(qb.items...)
}
