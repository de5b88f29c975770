package v3dv

import (
	"github.com/gogpu/v3dv/internal/query"
)

// QueryType is the type of a query pool.
type QueryType = query.Type

// Query pool types.
const (
	QueryOcclusion = query.TypeOcclusion
	QueryTimestamp = query.TypeTimestamp
)

// QueryResultFlags select how results are reported.
type QueryResultFlags = query.ResultFlags

// Query result flags.
const (
	QueryResult64Bit            = query.Result64Bit
	QueryResultWait             = query.ResultWait
	QueryResultWithAvailability = query.ResultWithAvailability
	QueryResultPartial          = query.ResultPartial
)

// QueryPool holds queries of one type.
type QueryPool struct {
	pool *query.Pool
}

// CreateQueryPool creates a pool of count queries.
func (d *Device) CreateQueryPool(typ QueryType, count uint32) (*QueryPool, error) {
	p, err := query.NewPool(d.bos, typ, count, d.config.QueryTimeout)
	if err != nil {
		return nil, translate(err)
	}
	return &QueryPool{pool: p}, nil
}

// Count returns the number of queries in the pool.
func (p *QueryPool) Count() uint32 { return p.pool.Count() }

// Type returns the pool type.
func (p *QueryPool) Type() QueryType { return p.pool.Type() }

// Reset resets queries from the host.
func (p *QueryPool) Reset(first, count uint32) { p.pool.Reset(first, count) }

// Results writes count results starting at first into dst, one record
// every stride bytes. Unavailable queries make it return ErrNotReady
// unless QueryResultWait or QueryResultPartial is set; a waited query that
// never ends reports ErrDeviceLost.
func (p *QueryPool) Results(first, count uint32, dst []byte, stride uint64, flags QueryResultFlags) error {
	return translate(p.pool.Results(first, count, dst, stride, flags))
}

// Destroy frees the pool.
func (p *QueryPool) Destroy() { p.pool.Destroy() }
