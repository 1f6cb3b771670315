package ledger

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"
)

// Namespace is the JSON-RPC method prefix of the ledger node.
const Namespace = "BookLedger"

// rpcStruct is the client-side proxy filled in by go-jsonrpc.
type rpcStruct struct {
	Internal struct {
		RecordBook             func(ctx context.Context, req RecordRequest) (string, error)
		FindBookByFingerprints func(ctx context.Context, contentFP, coverFP string) (Lookup, error)
		GetBook                func(ctx context.Context, ledgerID uint64) (*BookEntry, error)
		Pay                    func(ctx context.Context, req PayRequest) (string, error)
		FindPayment            func(ctx context.Context, buyer string, ledgerID uint64) (PaymentLookup, error)
		GetReceipt             func(ctx context.Context, txID string) (*Receipt, error)
		EventsSince            func(ctx context.Context, after uint64, limit int) ([]Event, error)
		Head                   func(ctx context.Context) (uint64, error)
	}
}

var _ API = (*rpcStruct)(nil)

func (s *rpcStruct) RecordBook(ctx context.Context, req RecordRequest) (string, error) {
	return s.Internal.RecordBook(ctx, req)
}

func (s *rpcStruct) FindBookByFingerprints(ctx context.Context, contentFP, coverFP string) (Lookup, error) {
	return s.Internal.FindBookByFingerprints(ctx, contentFP, coverFP)
}

func (s *rpcStruct) GetBook(ctx context.Context, ledgerID uint64) (*BookEntry, error) {
	return s.Internal.GetBook(ctx, ledgerID)
}

func (s *rpcStruct) Pay(ctx context.Context, req PayRequest) (string, error) {
	return s.Internal.Pay(ctx, req)
}

func (s *rpcStruct) FindPayment(ctx context.Context, buyer string, ledgerID uint64) (PaymentLookup, error) {
	return s.Internal.FindPayment(ctx, buyer, ledgerID)
}

func (s *rpcStruct) GetReceipt(ctx context.Context, txID string) (*Receipt, error) {
	return s.Internal.GetReceipt(ctx, txID)
}

func (s *rpcStruct) EventsSince(ctx context.Context, after uint64, limit int) ([]Event, error) {
	return s.Internal.EventsSince(ctx, after, limit)
}

func (s *rpcStruct) Head(ctx context.Context) (uint64, error) {
	return s.Internal.Head(ctx)
}

// NewRPCClient creates a JSON-RPC client for the ledger node at addr
// (http(s):// or ws(s)://).
func NewRPCClient(ctx context.Context, addr string, requestHeader http.Header) (API, jsonrpc.ClientCloser, error) {
	var res rpcStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, Namespace,
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
		jsonrpc.WithErrors(RPCErrors),
	)
	return &res, closer, err
}

// rpcServer exposes an API over JSON-RPC. Rejections are returned bare so
// the server can encode them with their registered code.
type rpcServer struct {
	api API
}

func bare(err error) error {
	if r, ok := RejectionOf(err); ok {
		return r
	}
	return err
}

func (s *rpcServer) RecordBook(ctx context.Context, req RecordRequest) (string, error) {
	txID, err := s.api.RecordBook(ctx, req)
	return txID, bare(err)
}

func (s *rpcServer) FindBookByFingerprints(ctx context.Context, contentFP, coverFP string) (Lookup, error) {
	l, err := s.api.FindBookByFingerprints(ctx, contentFP, coverFP)
	return l, bare(err)
}

func (s *rpcServer) GetBook(ctx context.Context, ledgerID uint64) (*BookEntry, error) {
	b, err := s.api.GetBook(ctx, ledgerID)
	return b, bare(err)
}

func (s *rpcServer) Pay(ctx context.Context, req PayRequest) (string, error) {
	txID, err := s.api.Pay(ctx, req)
	return txID, bare(err)
}

func (s *rpcServer) FindPayment(ctx context.Context, buyer string, ledgerID uint64) (PaymentLookup, error) {
	p, err := s.api.FindPayment(ctx, buyer, ledgerID)
	return p, bare(err)
}

func (s *rpcServer) GetReceipt(ctx context.Context, txID string) (*Receipt, error) {
	r, err := s.api.GetReceipt(ctx, txID)
	return r, bare(err)
}

func (s *rpcServer) EventsSince(ctx context.Context, after uint64, limit int) ([]Event, error) {
	ev, err := s.api.EventsSince(ctx, after, limit)
	return ev, bare(err)
}

func (s *rpcServer) Head(ctx context.Context) (uint64, error) {
	h, err := s.api.Head(ctx)
	return h, bare(err)
}

// NewRPCHandler serves api over JSON-RPC.
func NewRPCHandler(api API) http.Handler {
	rpc := jsonrpc.NewServer(jsonrpc.WithServerErrors(RPCErrors))
	rpc.Register(Namespace, &rpcServer{api: api})
	return rpc
}

// AuthHandler rejects requests whose bearer token differs from token.
// An empty token disables the check.
func AuthHandler(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
