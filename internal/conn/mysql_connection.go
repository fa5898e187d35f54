package conn

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sqlx-go/sqlx/internal/myproto"
	myauth "github.com/sqlx-go/sqlx/internal/myproto/auth"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
	"github.com/sqlx-go/sqlx/internal/wire"
)

// MySQLPingQuery is sent for health checks that must also reset the
// connection's idle wait_timeout countdown; COM_PING alone doesn't on
// some proxies, so higher layers may prefer Exec(ctx, MySQLPingQuery).
const MySQLPingQuery = "/* sqlx ping */ SELECT 1"

// MySQLDialOptions configures MySQLConnection's handshake.
type MySQLDialOptions struct {
	User     string
	Password string
	Database string
	DialInfo string // host:port, used by Cancel's KILL QUERY side connection
}

// MySQLConnection drives one physical connection through the MySQL
// client/server protocol, implementing Connection. Grounded on the
// teacher's MySQLHandler.Handle (internal/proxy/mysql.go) for the overall
// handshake shape, generalized from "relay a real server's handshake to
// a client" into "perform our own handshake against a real server."
type MySQLConnection struct {
	nc           net.Conn
	r            *wire.MySQLReader
	w            *wire.MySQLWriter
	state        State
	connectionID uint32
	capabilities uint32
	stmts        *stmtCache
	inTrans      bool
	dialInfo     string
	dialOpts     MySQLDialOptions
}

func OpenMySQL(ctx context.Context, nc net.Conn, opts MySQLDialOptions) (*MySQLConnection, error) {
	c := &MySQLConnection{
		nc:       nc,
		r:        wire.NewMySQLReader(nc),
		w:        wire.NewMySQLWriter(nc),
		state:    StateStarting,
		stmts:    newStmtCache(defaultStmtCacheCapacity),
		dialInfo: opts.DialInfo,
		dialOpts: opts,
	}

	payload, seq, err := c.r.ReadPacket()
	if err != nil {
		return nil, err
	}
	if myproto.IsErrPacket(payload) {
		e, _ := myproto.DecodeErrPacket(payload)
		return nil, e.AsError()
	}
	h, err := myproto.DecodeHandshakeV10(payload)
	if err != nil {
		return nil, err
	}
	c.connectionID = h.ConnectionID

	c.capabilities = myproto.ClientProtocol41 | myproto.ClientSecureConnection |
		myproto.ClientPluginAuth | myproto.ClientTransactions | myproto.ClientMultiResults |
		myproto.ClientPluginAuthLenencClientData
	if opts.Database != "" {
		c.capabilities |= myproto.ClientConnectWithDB
	}

	c.state = StateAuthenticating
	plugin := h.AuthPluginName
	authResponse := computeInitialAuthResponse(plugin, opts.Password, h.AuthPluginData)

	resp := myproto.EncodeHandshakeResponse41(c.capabilities, opts.User, opts.Database, plugin, authResponse)
	nextSeq, err := c.w.WritePacket(resp, seq+1)
	if err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}

	if err := c.finishAuth(opts.Password, h.AuthPluginData, nextSeq); err != nil {
		c.state = StateClosed
		return nil, err
	}
	c.state = StateReady
	return c, nil
}

func computeInitialAuthResponse(plugin, password string, scramble []byte) []byte {
	switch plugin {
	case "mysql_native_password":
		return myauth.NativePassword(password, scramble)
	case "caching_sha2_password":
		return myauth.CachingSHA2FastAuth(password, scramble)
	case "mysql_clear_password":
		return myauth.ClearPassword(password)
	case "sha256_password":
		return nil
	default:
		return myauth.NativePassword(password, scramble)
	}
}

// finishAuth drives AuthSwitchRequest/AuthMoreData continuations until the
// server sends OK or ERR.
func (c *MySQLConnection) finishAuth(password string, scramble []byte, seq byte) error {
	for i := 0; i < 8; i++ {
		payload, gotSeq, err := c.r.ReadPacket()
		if err != nil {
			return err
		}
		seq = gotSeq + 1
		if myproto.IsOKPacket(payload, false) {
			return nil
		}
		if myproto.IsErrPacket(payload) {
			e, _ := myproto.DecodeErrPacket(payload)
			return e.AsError()
		}
		switch payload[0] {
		case 0xfe: // AuthSwitchRequest
			req := myproto.DecodeAuthSwitchRequest(payload[1:])
			scramble = req.PluginData
			resp := computeInitialAuthResponse(req.PluginName, password, scramble)
			if seq, err = c.w.WritePacket(resp, seq); err != nil {
				return err
			}
			if err := c.w.Flush(); err != nil {
				return err
			}
		case 0x01: // AuthMoreData
			sub := myproto.DecodeAuthMoreData(payload)
			switch {
			case len(sub) == 1 && sub[0] == myauth.CachingSHA2FastAuthSuccess:
				continue
			case len(sub) == 1 && sub[0] == myauth.CachingSHA2FullAuthStart:
				if seq, err = c.w.WritePacket([]byte{0x02}, seq); err != nil {
					return err
				}
				if err := c.w.Flush(); err != nil {
					return err
				}
				pkPayload, pkSeq, err := c.r.ReadPacket()
				if err != nil {
					return err
				}
				pem := myproto.DecodeAuthMoreData(pkPayload)
				enc, err := myauth.EncryptWithPublicKey(password, scramble, pem)
				if err != nil {
					return err
				}
				if seq, err = c.w.WritePacket(enc, pkSeq+1); err != nil {
					return err
				}
				if err := c.w.Flush(); err != nil {
					return err
				}
			default:
				enc, err := myauth.EncryptWithPublicKey(password, scramble, sub)
				if err != nil {
					return err
				}
				if seq, err = c.w.WritePacket(enc, seq); err != nil {
					return err
				}
				if err := c.w.Flush(); err != nil {
					return err
				}
			}
		default:
			return sqlerr.New(sqlerr.Protocol, fmt.Sprintf("unexpected byte 0x%02x during mysql authentication", payload[0]))
		}
	}
	return sqlerr.New(sqlerr.Auth, "authentication did not converge")
}

func (c *MySQLConnection) State() State               { return c.state }
func (c *MySQLConnection) ServerParams() map[string]string { return map[string]string{} }

func (c *MySQLConnection) TxStatus() TxStatus {
	if c.inTrans {
		return TxInTrans
	}
	return TxIdle
}

// Exec runs sql via COM_QUERY, discarding any rows.
func (c *MySQLConnection) Exec(ctx context.Context, sql string) (Result, error) {
	var res Result
	err := c.textQuery(ctx, sql, nil, &res)
	return res, err
}

// Query runs sql via COM_QUERY, streaming rows to handler.
func (c *MySQLConnection) Query(ctx context.Context, sql string, handler RowHandler) (Result, error) {
	var res Result
	err := c.textQuery(ctx, sql, handler, &res)
	return res, err
}

func (c *MySQLConnection) textQuery(ctx context.Context, sql string, handler RowHandler, res *Result) error {
	if c.state == StateClosed {
		return sqlerr.New(sqlerr.Protocol, "connection is closed")
	}
	c.state = StateExecuting
	defer func() { c.state = StateReady }()

	if _, err := c.w.WritePacket(myproto.EncodeComQuery(sql), 0); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}

	first, _, err := c.r.ReadPacket()
	if err != nil {
		c.state = StateClosed
		return err
	}
	if myproto.IsErrPacket(first) {
		e, _ := myproto.DecodeErrPacket(first)
		return e.AsError()
	}
	if myproto.IsOKPacket(first, false) {
		ok, _ := myproto.DecodeOKPacket(first)
		res.RowsAffected = int64(ok.AffectedRows)
		res.LastInsertID = int64(ok.LastInsertID)
		c.inTrans = ok.StatusFlags&myproto.StatusInTrans != 0
		return nil
	}

	numCols, _ := myproto.ColumnCount(first)
	columns := make([]Column, 0, numCols)
	for i := 0; i < numCols; i++ {
		payload, _, err := c.r.ReadPacket()
		if err != nil {
			return err
		}
		cd, err := myproto.DecodeColumnDefinition41(payload)
		if err != nil {
			return err
		}
		nullable := Nullable
		if cd.NotNull() {
			nullable = NotNull
		}
		columns = append(columns, Column{
			Name:     cd.Name,
			Ordinal:  i,
			Declared: BackendTypeInfo{OID: uint32(cd.ColumnType), Kind: KindScalar},
			Nullable: nullable,
		})
	}
	if _, _, err := c.r.ReadPacket(); err != nil { // EOF after column definitions
		return err
	}

	var queryErr error
	for {
		payload, _, err := c.r.ReadPacket()
		if err != nil {
			c.state = StateClosed
			return err
		}
		if myproto.IsEOFPacket(payload) {
			return queryErr
		}
		if myproto.IsErrPacket(payload) {
			e, _ := myproto.DecodeErrPacket(payload)
			return e.AsError()
		}
		if handler != nil && queryErr == nil {
			values := myproto.DecodeTextRow(payload, len(columns))
			if err := handler(Row{Values: values, Columns: columns}); err != nil {
				queryErr = err
			}
		}
	}
}

// Prepare issues COM_STMT_PREPARE, consulting the statement cache first.
func (c *MySQLConnection) Prepare(ctx context.Context, sql string) (*Statement, error) {
	if stmt, ok := c.stmts.Get(sql); ok {
		return stmt, nil
	}
	if _, err := c.w.WritePacket(myproto.EncodeComStmtPrepare(sql), 0); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	okPayload, _, err := c.r.ReadPacket()
	if err != nil {
		return nil, err
	}
	if myproto.IsErrPacket(okPayload) {
		e, _ := myproto.DecodeErrPacket(okPayload)
		return nil, e.AsError()
	}
	if len(okPayload) < 9 {
		return nil, sqlerr.New(sqlerr.Protocol, "short COM_STMT_PREPARE_OK")
	}
	statementID := uint32(okPayload[1]) | uint32(okPayload[2])<<8 | uint32(okPayload[3])<<16 | uint32(okPayload[4])<<24
	numCols := int(okPayload[5]) | int(okPayload[6])<<8
	numParams := int(okPayload[7]) | int(okPayload[8])<<8

	stmt := &Statement{SQL: sql, ServerID: fmt.Sprintf("%d", statementID), Cached: true}
	paramTypes := make([]byte, 0, numParams)
	for i := 0; i < numParams; i++ {
		payload, _, err := c.r.ReadPacket()
		if err != nil {
			return nil, err
		}
		cd, err := myproto.DecodeColumnDefinition41(payload)
		if err != nil {
			return nil, err
		}
		paramTypes = append(paramTypes, cd.ColumnType)
		stmt.Parameters = append(stmt.Parameters, BackendTypeInfo{OID: uint32(cd.ColumnType), Kind: KindScalar})
	}
	if numParams > 0 {
		if _, _, err := c.r.ReadPacket(); err != nil { // EOF
			return nil, err
		}
	}
	columnTypes := make([]byte, 0, numCols)
	for i := 0; i < numCols; i++ {
		payload, _, err := c.r.ReadPacket()
		if err != nil {
			return nil, err
		}
		cd, err := myproto.DecodeColumnDefinition41(payload)
		if err != nil {
			return nil, err
		}
		columnTypes = append(columnTypes, cd.ColumnType)
		nullable := Nullable
		if cd.NotNull() {
			nullable = NotNull
		}
		stmt.Columns = append(stmt.Columns, Column{
			Name:     cd.Name,
			Ordinal:  i,
			Declared: BackendTypeInfo{OID: uint32(cd.ColumnType), Kind: KindScalar},
			Nullable: nullable,
		})
	}
	if numCols > 0 {
		if _, _, err := c.r.ReadPacket(); err != nil { // EOF
			return nil, err
		}
	}

	if evicted, ok := c.stmts.Put(sql, stmt); ok {
		_ = c.closeStatementByID(evicted.ServerID)
	}
	statementParamTypes.Store(stmt.ServerID, paramTypes)
	statementColumnTypes.Store(stmt.ServerID, columnTypes)
	return stmt, nil
}

// typeTable remembers the raw MySQL column type bytes needed to frame
// binary-protocol values, keyed by statement id. Kept out of the hot
// Statement struct since it's meaningless to Postgres callers.
type typeTable struct{ m sync.Map }

func newTypeTable() *typeTable { return &typeTable{} }

func (t *typeTable) Store(key string, v []byte) { t.m.Store(key, v) }

func (t *typeTable) Load(key string) (any, bool) { return t.m.Load(key) }

var statementParamTypes = newTypeTable()
var statementColumnTypes = newTypeTable()

func (c *MySQLConnection) closeStatementByID(serverID string) error {
	var id uint32
	fmt.Sscanf(serverID, "%d", &id)
	if _, err := c.w.WritePacket(myproto.EncodeComStmtClose(id), 0); err != nil {
		return err
	}
	return c.w.Flush()
}

// ExecPrepared binds text-encoded params, each sent as a
// MYSQL_TYPE_VAR_STRING value (the parameter types reported by Prepare
// are not used to frame them), and executes via COM_STMT_EXECUTE.
func (c *MySQLConnection) ExecPrepared(ctx context.Context, stmt *Statement, params [][]byte) (Result, error) {
	var res Result
	err := c.statementExecute(ctx, stmt, params, nil, &res)
	return res, err
}

func (c *MySQLConnection) QueryPrepared(ctx context.Context, stmt *Statement, params [][]byte, handler RowHandler) (Result, error) {
	var res Result
	err := c.statementExecute(ctx, stmt, params, handler, &res)
	return res, err
}

func (c *MySQLConnection) statementExecute(ctx context.Context, stmt *Statement, params [][]byte, handler RowHandler, res *Result) error {
	var id uint32
	fmt.Sscanf(stmt.ServerID, "%d", &id)

	stmtParams := make([]myproto.StmtParam, len(params))
	for i, p := range params {
		stmtParams[i] = myproto.StmtParam{Type: myproto.TypeVarString, Value: p}
	}
	c.state = StateExecuting
	defer func() { c.state = StateReady }()

	if _, err := c.w.WritePacket(myproto.EncodeComStmtExecute(id, stmtParams), 0); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}

	first, _, err := c.r.ReadPacket()
	if err != nil {
		c.state = StateClosed
		return err
	}
	if myproto.IsErrPacket(first) {
		e, _ := myproto.DecodeErrPacket(first)
		return e.AsError()
	}
	if myproto.IsOKPacket(first, false) {
		ok, _ := myproto.DecodeOKPacket(first)
		res.RowsAffected = int64(ok.AffectedRows)
		res.LastInsertID = int64(ok.LastInsertID)
		return nil
	}

	numCols, _ := myproto.ColumnCount(first)
	columnTypesVal, _ := statementColumnTypes.Load(stmt.ServerID)
	columnTypes, _ := columnTypesVal.([]byte)
	for i := 0; i < numCols; i++ {
		if _, _, err := c.r.ReadPacket(); err != nil { // column definitions, already cached from Prepare
			return err
		}
	}
	if _, _, err := c.r.ReadPacket(); err != nil { // EOF
		return err
	}

	var execErr error
	for {
		payload, _, err := c.r.ReadPacket()
		if err != nil {
			c.state = StateClosed
			return err
		}
		if myproto.IsEOFPacket(payload) {
			return execErr
		}
		if myproto.IsErrPacket(payload) {
			e, _ := myproto.DecodeErrPacket(payload)
			return e.AsError()
		}
		if handler != nil && execErr == nil {
			values, err := myproto.DecodeBinaryRow(payload, columnTypes)
			if err != nil {
				execErr = err
				continue
			}
			if err := handler(Row{Values: values, Columns: stmt.Columns}); err != nil {
				execErr = err
			}
		}
	}
}

func (c *MySQLConnection) Ping(ctx context.Context) error {
	if _, err := c.w.WritePacket(myproto.EncodeComPing(), 0); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	payload, _, err := c.r.ReadPacket()
	if err != nil {
		return err
	}
	if myproto.IsErrPacket(payload) {
		e, _ := myproto.DecodeErrPacket(payload)
		return e.AsError()
	}
	return nil
}

// Cancel opens and authenticates a fresh side connection and issues
// KILL QUERY, MySQL's only cancellation mechanism (spec §4.D/§5) since
// there is no in-band equivalent of Postgres's CancelRequest.
func (c *MySQLConnection) Cancel(ctx context.Context) error {
	if c.dialInfo == "" {
		return sqlerr.New(sqlerr.Protocol, "cancel requires dial info")
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.dialInfo)
	if err != nil {
		return sqlerr.Wrap(sqlerr.Io, "dialing cancel connection", err)
	}
	defer nc.Close()
	side, err := OpenMySQL(ctx, nc, c.dialOpts)
	if err != nil {
		return sqlerr.Wrap(sqlerr.Io, "authenticating cancel connection", err)
	}
	defer side.Close()
	_, err = side.Exec(ctx, fmt.Sprintf("KILL QUERY %d", c.connectionID))
	return err
}

func (c *MySQLConnection) Close() error {
	if c.state == StateClosed {
		return nil
	}
	_, _ = c.w.WritePacket(myproto.EncodeComQuit(), 0)
	_ = c.w.Flush()
	c.state = StateClosed
	return c.nc.Close()
}

// ConnectionID is MySQL's analogue of Postgres's BackendKeyData, used to
// build "KILL QUERY <id>".
func (c *MySQLConnection) ConnectionID() uint32 { return c.connectionID }

