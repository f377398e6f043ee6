package server

import (
	"context"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/emersion/go-webdav"
	gorilla "github.com/gorilla/websocket"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/lcpu-dev/labsched/utils/wsutil"
	lxd "github.com/lxc/lxd/client"
	"github.com/lxc/lxd/shared/api"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Console is the part of lxd.InstanceServer used for interactive access to
// container machines.
type Console interface {
	ConsoleInstance(instanceName string, console api.InstanceConsolePost, args *lxd.InstanceConsoleArgs) (lxd.Operation, error)
	ExecInstance(instanceName string, exec api.InstanceExecPost, args *lxd.InstanceExecArgs) (lxd.Operation, error)
	GetInstanceFileSFTP(instanceName string) (*sftp.Client, error)
}

var _ Console = lxd.InstanceServer(nil)

// consoleMachine resolves a private token and a machine id to the LXD name
// of the machine. Only holders of the private token get a console.
func (s *Server) consoleMachine(ctx context.Context, token, machine string) (string, int) {
	if s.console == nil {
		return "", http.StatusNotFound
	}
	inst, private, err := s.orch.GetInstanceByToken(ctx, token)
	if err != nil {
		return "", statusOf(err)
	}
	if !private {
		return "", http.StatusForbidden
	}
	m, ok := inst.Machines[machine]
	tmpl := inst.Lab.Machines[machine]
	if !ok || m == nil || tmpl == nil || tmpl.Type != models.MachineLXD {
		return "", http.StatusNotFound
	}
	return m.Name, http.StatusOK
}

func (s *Server) requestContext(r *http.Request) context.Context {
	return logging.WithRequestID(r.Context(), s.log, r.Header.Get("X-Request-Id"))
}

func termSize(r *http.Request) (int, int) {
	width, err := strconv.Atoi(r.URL.Query().Get("width"))
	if err != nil || width <= 0 {
		width = 80
	}
	height, err := strconv.Atoi(r.URL.Query().Get("height"))
	if err != nil || height <= 0 {
		height = 25
	}
	return width, height
}

func sendTermSize(control *gorilla.Conn, width int, height int) error {
	msg := api.InstanceExecControl{}
	msg.Command = "window-resize"
	msg.Args = map[string]string{
		"width":  strconv.Itoa(width),
		"height": strconv.Itoa(height),
	}
	return control.WriteJSON(msg)
}

func (s *Server) acceptConsole(w http.ResponseWriter, r *http.Request) (context.Context, string, *websocket.Conn, bool) {
	ctx := s.requestContext(r)
	q := r.URL.Query()
	name, code := s.consoleMachine(ctx, q.Get("token"), q.Get("machine"))
	if code != http.StatusOK {
		http.Error(w, http.StatusText(code), code)
		return nil, "", nil, false
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		Subprotocols:       wsutil.Subprotocols,
	})
	if err != nil {
		logging.From(ctx).WithError(err).Warn("websocket upgrade failed")
		return nil, "", nil, false
	}
	return logging.WithEntry(ctx, logging.From(ctx).WithField("name", name)), name, conn, true
}

func (s *Server) HandleConsoleWs(w http.ResponseWriter, r *http.Request) {
	ctx, name, conn, ok := s.acceptConsole(w, r)
	if !ok {
		return
	}
	width, height := termSize(r)
	chDisconnect := make(chan bool)
	op, err := s.console.ConsoleInstance(name, api.InstanceConsolePost{
		Width:  width,
		Height: height,
		Type:   "console",
	}, &lxd.InstanceConsoleArgs{
		Terminal: wsutil.New(ctx, conn, func() error {
			close(chDisconnect)
			return nil
		}),
		Control:           func(conn *gorilla.Conn) {},
		ConsoleDisconnect: chDisconnect,
	})
	if err != nil {
		logging.From(ctx).WithError(err).Error("failed to attach console")
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	if err := op.WaitContext(ctx); err != nil {
		logging.From(ctx).WithError(err).Warn("console closed")
		conn.Close(websocket.StatusAbnormalClosure, err.Error())
	}
}

func (s *Server) HandleExecWs(w http.ResponseWriter, r *http.Request) {
	ctx, name, conn, ok := s.acceptConsole(w, r)
	if !ok {
		return
	}
	width, height := termSize(r)
	command := []string{"bash", "-l"}
	if cmd := r.URL.Query().Get("cmd"); cmd != "" {
		command = []string{"bash", "-c", "TERM=screen " + cmd}
	}
	chDisconnect := make(chan bool)
	stream := wsutil.New(ctx, conn, func() error {
		close(chDisconnect)
		return nil
	})
	op, err := s.console.ExecInstance(name, api.InstanceExecPost{
		Command:     command,
		WaitForWS:   true,
		Interactive: true,
		Width:       width,
		Height:      height,
	}, &lxd.InstanceExecArgs{
		Stdin:  stream,
		Stdout: stream,
		Stderr: stream,
		Control: func(control *gorilla.Conn) {
			if err := sendTermSize(control, width, height); err != nil {
				logging.From(ctx).WithError(err).Debug("failed to send terminal size")
			}
			<-chDisconnect
			control.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye"))
		},
	})
	if err != nil {
		logging.From(ctx).WithError(err).Error("failed to exec")
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	if err := op.WaitContext(ctx); err != nil {
		logging.From(ctx).WithError(err).Warn("exec closed")
		conn.Close(websocket.StatusAbnormalClosure, err.Error())
	}
}

// SftpFs serves a machine's filesystem over WebDAV.
type SftpFs struct {
	*sftp.Client
	log *logrus.Entry
}

func (fss *SftpFs) Copy(name, dest string, recursive, overwrite bool) (created bool, err error) {
	var stat fs.FileInfo
	isDir := false
	if stat, err = fss.Client.Stat(dest); err != nil {
		if !os.IsNotExist(err) {
			return false, err
		}
		if recursive {
			src, err := fss.Client.Stat(name)
			if err != nil {
				return false, err
			}
			if src.IsDir() {
				isDir = true
				if err := fss.Client.MkdirAll(dest); err != nil {
					return false, err
				}
			}
		}
		created = true
	} else {
		isDir = stat.IsDir()
		if !overwrite {
			return false, os.ErrExist
		}
		if err := fss.RemoveAll(dest); err != nil {
			return false, err
		}
	}

	walker := fss.Client.Walk(name)
	for walker.Step() {
		if walker.Err() != nil {
			return false, walker.Err()
		}
		dst := dest
		if isDir {
			dst = path.Join(dest, strings.TrimPrefix(walker.Path(), name))
		}
		if walker.Stat().IsDir() {
			if err := fss.Mkdir(dst); err != nil {
				return false, err
			}
			if !recursive {
				walker.SkipDir()
			}
			continue
		}
		if err := fss.copyFile(walker.Path(), dst); err != nil {
			return false, err
		}
	}
	return created, nil
}

func (fss *SftpFs) copyFile(src, dst string) error {
	orig, err := fss.Client.Open(src)
	if err != nil {
		return err
	}
	defer orig.Close()
	tgt, err := fss.Client.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(tgt, orig); err != nil {
		tgt.Close()
		return err
	}
	return tgt.Close()
}

func (fss *SftpFs) Create(name string) (io.WriteCloser, error) {
	return fss.Client.Create(name)
}

func (fss *SftpFs) Open(name string) (io.ReadCloser, error) {
	return fss.Client.Open(name)
}

func (fss *SftpFs) MoveAll(name, dest string, overwrite bool) (created bool, err error) {
	if _, err := fss.Client.Stat(dest); err == nil && !overwrite {
		return false, os.ErrExist
	}
	created, err = fss.Copy(name, dest, true, overwrite)
	if err != nil {
		return false, err
	}
	return created, fss.RemoveAll(name)
}

func fileInfo(p string, fi fs.FileInfo) webdav.FileInfo {
	return webdav.FileInfo{
		Path:     p,
		Size:     fi.Size(),
		ModTime:  fi.ModTime(),
		IsDir:    fi.IsDir(),
		MIMEType: mime.TypeByExtension(path.Ext(fi.Name())),
	}
}

func (fss *SftpFs) readdir(dir string, rslt *[]webdav.FileInfo, recursive bool) error {
	entries, err := fss.Client.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := path.Join(dir, e.Name())
		*rslt = append(*rslt, fileInfo(p, e))
		if e.IsDir() && recursive {
			if err := fss.readdir(p, rslt, recursive); err != nil {
				return err
			}
		}
	}
	return nil
}

func (fss *SftpFs) Readdir(name string, recursive bool) ([]webdav.FileInfo, error) {
	var rslt []webdav.FileInfo
	if err := fss.readdir(name, &rslt, recursive); err != nil {
		fss.log.WithError(err).WithField("path", name).Debug("readdir failed")
		return nil, err
	}
	return rslt, nil
}

func (fss *SftpFs) RemoveAll(name string) error {
	f, err := fss.Client.Stat(name)
	if err != nil {
		return err
	}
	if !f.IsDir() {
		return fss.Client.Remove(name)
	}
	entries, err := fss.Client.ReadDir(name)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fss.RemoveAll(path.Join(name, e.Name())); err != nil {
			return err
		}
	}
	return fss.Client.RemoveDirectory(name)
}

func (fss *SftpFs) Stat(name string) (*webdav.FileInfo, error) {
	inf, err := fss.Client.Stat(name)
	if err != nil {
		return nil, err
	}
	fi := fileInfo(name, inf)
	return &fi, nil
}

func (fss *SftpFs) Mkdir(name string) error {
	return fss.Client.MkdirAll(name)
}

// HandleWebDAV serves /webdav/{token}/{machine}/... for LXD machines.
func (s *Server) HandleWebDAV(w http.ResponseWriter, r *http.Request) {
	ctx := s.requestContext(r)
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/webdav/"), "/", 3)
	if len(parts) < 2 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	token, machine := parts[0], parts[1]
	name, code := s.consoleMachine(ctx, token, machine)
	if code != http.StatusOK {
		http.Error(w, http.StatusText(code), code)
		return
	}
	client, err := s.console.GetInstanceFileSFTP(name)
	if err != nil {
		logging.From(ctx).WithError(err).WithField("name", name).Error("failed to open sftp")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer client.Close()
	h := http.StripPrefix("/webdav/"+token+"/"+machine, &webdav.Handler{
		FileSystem: &SftpFs{Client: client, log: logging.From(ctx).WithField("name", name)},
	})
	h.ServeHTTP(w, r)
}
