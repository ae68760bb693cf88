package crpc

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"bundlexfer/codec"

	log "github.com/sirupsen/logrus"
)

type methodType struct {
	sync.Mutex  // protects counters
	method      reflect.Method
	ArgType     reflect.Type
	ReplyType   reflect.Type
	withContext bool
	numCalls    uint
}

type service struct {
	name   string                 // name of service
	rcvr   reflect.Value          // receiver of methods for the service
	typ    reflect.Type           // type of the receiver
	method map[string]*methodType // registered methods
}

type Server struct {
	listener   net.Listener
	serviceMap sync.Map // map[string]*service
}

func NewServer(listener net.Listener) *Server {
	return &Server{
		listener: listener,
	}
}

// Register publishes the suitable methods of rcvr under its type name. A suitable method is
// exported and has the form
//
//	func (t *T) Method(ctx context.Context, args A, reply *R) error
//
// with the context optional.
func (srv *Server) Register(rcvr any) error {
	return srv.RegisterName("", rcvr)
}

// RegisterName is like Register but uses name instead of the receiver's type name.
func (srv *Server) RegisterName(name string, rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.rcvr = reflect.ValueOf(rcvr)
	sname := name
	if sname == "" {
		sname = reflect.Indirect(s.rcvr).Type().Name()
	}
	if sname == "" {
		s := fmt.Sprintf("rpc.Register: no service name for type %s", s.typ.String())
		log.Error(s)
		return errors.New(s)
	}
	if !token.IsExported(sname) && name == "" {
		s := "rpc.Register: type " + sname + " is not exported"
		log.Error(s)
		return errors.New(s)
	}
	s.name = sname

	// Install the methods
	s.method = suitableMethods(s.typ)
	if len(s.method) == 0 {
		str := "rpc.Register: type " + sname + " has no exported methods of suitable type"
		log.Error(str)
		return errors.New(str)
	}

	if _, dup := srv.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("rpc: service already defined: " + sname)
	}

	for m := range s.method {
		log.Debugf("rpc.Register: %s.%s", sname, m)
	}

	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

// suitableMethods returns suitable Rpc methods of typ.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// Receiver, optional context, *args, *reply.
		first := 1
		withContext := mtype.NumIn() == 4 && mtype.In(1) == reflect.TypeFor[context.Context]()
		if withContext {
			first = 2
		}
		if mtype.NumIn() != first+2 {
			log.Debugf("rpc.Register: method %q has %d input parameters, skipping", mname, mtype.NumIn())
			continue
		}
		argType := mtype.In(first)
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("rpc.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		// Reply must be a pointer to an exported type.
		replyType := mtype.In(first + 1)
		if replyType.Kind() != reflect.Pointer {
			log.Errorf("rpc.Register: reply type of method %q is not a pointer: %q", mname, replyType)
			continue
		}
		if !isExportedOrBuiltinType(replyType) {
			log.Errorf("rpc.Register: reply type of method %q is not exported: %q", mname, replyType)
			continue
		}
		if mtype.NumOut() != 1 || mtype.Out(0) != reflect.TypeFor[error]() {
			log.Errorf("rpc.Register: method %q must return exactly one error", mname)
			continue
		}
		methods[mname] = &methodType{method: method, ArgType: argType, ReplyType: replyType, withContext: withContext}
	}
	return methods
}

func (srv *Server) Serve(ctx context.Context) error {
	// Closing the listener unblocks Accept.
	go func() {
		<-ctx.Done()
		log.Infof("crpc.Server: context cancelled, closing listener %s", srv.listener.Addr())
		if err := srv.listener.Close(); err != nil {
			log.Warnf("crpc.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Infof("crpc.Server: listener %s shut down", srv.listener.Addr())
				return ctx.Err()
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("crpc.Server: Accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("crpc.Server: accept error on %s: %v. Server stopping.", srv.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("crpc.Server: accepted connection from %s on %s", rw.RemoteAddr(), srv.listener.Addr())
		go srv.serveConn(ctx, rw)
	}
}

// connWriter serializes responses of concurrently running calls on one connection.
type connWriter struct {
	sync.Mutex
	encoder *codec.Encoder
}

func (w *connWriter) reply(h *ResponseHeader, body any) error {
	w.Lock()
	defer w.Unlock()
	if err := w.encoder.Encode(h); err != nil {
		return err
	}
	if h.Err != "" {
		return nil
	}
	return w.encoder.Encode(body)
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)

	// Closing the connection on shutdown unblocks the decoder.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	decoder := codec.NewDecoder(conn)
	writer := &connWriter{encoder: codec.NewEncoder(conn)}
	var calls sync.WaitGroup
	defer func() {
		cancel()
		calls.Wait()
	}()

	for {
		req := &RequestHeader{}
		err := decoder.Decode(req)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("crpc.Server: connection %s closed", conn.RemoteAddr())
			} else {
				log.Errorf("crpc.Server: error decoding request header from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		svc, mtype, err := srv.lookup(req.Method)
		if err != nil {
			// The argument cannot be skipped without its type, so the connection is dropped.
			log.Errorf("crpc.Server: %v from %s", err, conn.RemoteAddr())
			return
		}

		var argv reflect.Value
		if mtype.ArgType.Kind() == reflect.Pointer {
			argv = reflect.New(mtype.ArgType.Elem())
		} else {
			argv = reflect.New(mtype.ArgType)
		}
		if err := decoder.Decode(argv.Interface()); err != nil {
			log.Errorf("crpc.Server: error decoding argument for %s from %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}
		if mtype.ArgType.Kind() != reflect.Pointer {
			argv = argv.Elem()
		}

		calls.Add(1)
		go func() {
			defer calls.Done()
			replyv := reflect.New(mtype.ReplyType.Elem())
			repl := &ResponseHeader{Seq: req.Seq}
			if callErr := svc.call(ctx, mtype, argv, replyv); callErr != nil {
				repl.Err = callErr.Error()
				repl.Codes = codesOf(callErr)
			}
			if err := writer.reply(repl, replyv.Interface()); err != nil {
				log.Errorf("crpc.Server: error encoding response for %s to %s: %v", req.Method, conn.RemoteAddr(), err)
				cancel()
			}
		}()
	}
}

func (srv *Server) lookup(serviceMethod string) (*service, *methodType, error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot < 0 {
		return nil, nil, fmt.Errorf("service/method request ill-formed: %q", serviceMethod)
	}
	svci, ok := srv.serviceMap.Load(serviceMethod[:dot])
	if !ok {
		return nil, nil, fmt.Errorf("can't find service %q", serviceMethod[:dot])
	}
	svc := svci.(*service)
	mtype := svc.method[serviceMethod[dot+1:]]
	if mtype == nil {
		return nil, nil, fmt.Errorf("can't find method %q", serviceMethod)
	}
	return svc, mtype, nil
}

func (svc *service) call(ctx context.Context, mtype *methodType, argv, replyv reflect.Value) (err error) {
	mtype.Lock()
	mtype.numCalls++
	mtype.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("crpc.Server: panic in %s.%s: %v", svc.name, mtype.method.Name, r)
			err = fmt.Errorf("rpc: internal server error during %s.%s", svc.name, mtype.method.Name)
		}
	}()

	in := []reflect.Value{svc.rcvr}
	if mtype.withContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, argv, replyv)

	returnValues := mtype.method.Func.Call(in)
	if errInter := returnValues[0].Interface(); errInter != nil {
		return errInter.(error)
	}
	return nil
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}
