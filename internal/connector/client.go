// Package connector implements the client side of the external batch
// source protocol. A remote connector exposes three unary gRPC methods
// carrying structpb-encoded pages; the client adapts them to the scan
// source contract, so a connector-backed scan runs through the same
// scanner loop as a native tablet scan.
package connector

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/quarrydb/quarry/internal/batch"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/internal/predicate"
	"github.com/quarrydb/quarry/pkg/types"
)

const (
	methodOpenScan  = "/quarry.connector.v1.Connector/OpenScan"
	methodNextChunk = "/quarry.connector.v1.Connector/NextChunk"
	methodCloseScan = "/quarry.connector.v1.Connector/CloseScan"

	closeTimeout = 5 * time.Second
)

// Session describes one external scan: the remote table, the columns to
// produce, and the predicates the connector may use to reduce the stream.
// Connector pushdown is advisory; the scanner re-checks residuals.
type Session struct {
	Table      string
	Columns    []string
	Predicates []*predicate.Predicate
	ChunkSize  int
}

// Client is a connector-backed scan source.
type Client struct {
	conn    *grpc.ClientConn
	ownConn bool
	sess    Session
	logger  *zap.Logger

	scanID string
	defs   []types.ColumnDef
	opened bool
	closed bool
}

// Dial connects to a connector endpoint and prepares a scan session.
func Dial(target string, sess Session, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, qerrors.NewConnectorError("failed to connect to connector at "+target, err)
	}
	c := NewClient(conn, sess, logger)
	c.ownConn = true
	return c, nil
}

// NewClient wraps an existing connection. The caller keeps ownership of
// the connection.
func NewClient(conn *grpc.ClientConn, sess Session, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, sess: sess, logger: logger}
}

// Schema returns the column layout announced by the connector. Only valid
// after Open.
func (c *Client) Schema() []types.ColumnDef {
	return c.defs
}

// Open starts the remote scan and captures the announced column layout.
// Idempotent.
func (c *Client) Open(ctx context.Context) error {
	if c.opened {
		return nil
	}
	if c.closed {
		return qerrors.NewConnectorError("session is closed", nil)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodOpenScan, c.sessionRequest(), resp); err != nil {
		return qerrors.NewConnectorError("open scan failed for table "+c.sess.Table, err)
	}
	c.scanID = resp.Fields["scan_id"].GetStringValue()
	if c.scanID == "" {
		return qerrors.NewConnectorError("connector returned no scan id", nil)
	}
	defs, err := decodeSchema(resp.Fields["columns"])
	if err != nil {
		return qerrors.NewConnectorError("connector returned a bad schema", err)
	}
	if len(defs) == 0 {
		return qerrors.NewConnectorError("connector returned an empty schema", nil)
	}
	c.defs = defs
	c.opened = true
	c.logger.Debug("connector scan opened",
		zap.String("table", c.sess.Table),
		zap.String("scan_id", c.scanID),
		zap.Int("columns", len(defs)))
	return nil
}

// Next pulls one page from the connector. Returns (nil, nil) at end of
// stream. Pages may be empty; the scanner's pull loop absorbs them.
func (c *Client) Next(ctx context.Context) (*batch.Batch, error) {
	if !c.opened || c.closed {
		return nil, qerrors.NewConnectorError("session is not open", nil)
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"scan_id": structpb.NewStringValue(c.scanID),
	}}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodNextChunk, req, resp); err != nil {
		if ctx.Err() != nil {
			return nil, qerrors.NewCancelled("connector scan cancelled")
		}
		return nil, qerrors.NewConnectorError("next chunk failed for scan "+c.scanID, err)
	}
	if resp.Fields["eos"].GetBoolValue() {
		return nil, nil
	}
	b, err := decodePage(resp, c.defs)
	if err != nil {
		return nil, qerrors.NewConnectorError("connector returned a bad page", err)
	}
	return b, nil
}

// Close releases the remote scan. Idempotent; release failures are logged,
// not returned.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.opened && c.scanID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		req := &structpb.Struct{Fields: map[string]*structpb.Value{
			"scan_id": structpb.NewStringValue(c.scanID),
		}}
		if err := c.conn.Invoke(ctx, methodCloseScan, req, &structpb.Struct{}); err != nil {
			c.logger.Warn("connector scan release failed",
				zap.String("scan_id", c.scanID),
				zap.Error(err))
		}
	}
	if c.ownConn {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("connector connection close failed", zap.Error(err))
		}
	}
	return nil
}

// sessionRequest encodes the session descriptor for the open call.
func (c *Client) sessionRequest() *structpb.Struct {
	cols := make([]*structpb.Value, len(c.sess.Columns))
	for i, name := range c.sess.Columns {
		cols[i] = structpb.NewStringValue(name)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"table":      structpb.NewStringValue(c.sess.Table),
		"columns":    structpb.NewListValue(&structpb.ListValue{Values: cols}),
		"chunk_size": structpb.NewNumberValue(float64(c.sess.ChunkSize)),
	}}
	if len(c.sess.Predicates) > 0 {
		preds := make([]*structpb.Value, 0, len(c.sess.Predicates))
		for _, p := range c.sess.Predicates {
			if pv, err := encodePredicate(p); err == nil {
				preds = append(preds, pv)
			} else {
				// Predicates the wire format cannot express stay residual
				// on the scanner side, so dropping them is safe.
				c.logger.Debug("predicate not sent to connector",
					zap.String("predicate", p.String()),
					zap.Error(err))
			}
		}
		req.Fields["predicates"] = structpb.NewListValue(&structpb.ListValue{Values: preds})
	}
	return req
}

func encodePredicate(p *predicate.Predicate) (*structpb.Value, error) {
	fields := map[string]*structpb.Value{
		"column": structpb.NewStringValue(p.Column),
		"op":     structpb.NewStringValue(p.Operator),
	}
	var vals []types.Value
	switch p.Type {
	case predicate.In:
		vals = p.Values
	case predicate.Between:
		vals = []types.Value{p.Low, p.High}
	case predicate.IsNull:
	default:
		vals = []types.Value{p.Value}
	}
	encoded := make([]*structpb.Value, len(vals))
	for i, v := range vals {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		encoded[i] = ev
	}
	fields["values"] = structpb.NewListValue(&structpb.ListValue{Values: encoded})
	return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
}
