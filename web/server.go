// Package web exposes a mapping module over HTTP: lifecycle commands, sensor intake, frame
// updates, map downloads and a websocket stream of published snapshots.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/mapping"
	"go.viam.com/occupancy/pointcloud"
	"go.viam.com/occupancy/referenceframe"
	"go.viam.com/occupancy/spatialmath"
)

// maxBodyBytes bounds sensor uploads.
const maxBodyBytes = 64 << 20

// Options configures the HTTP server.
type Options struct {
	Port  int
	Pprof bool
}

// CommandResponse is the body returned for a lifecycle command.
type CommandResponse struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DepthRequest is the body of a depth frame upload. Points are in the camera frame, row major.
type DepthRequest struct {
	FrameID string       `json:"frame_id"`
	Stamp   time.Time    `json:"stamp"`
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Points  [][3]float64 `json:"points"`
}

// TransformRequest is the body of a frame update. A zero stamp on a dynamic transform means now.
type TransformRequest struct {
	Parent string    `json:"parent"`
	Child  string    `json:"child"`
	Stamp  time.Time `json:"stamp"`
	Static bool      `json:"static"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Z      float64   `json:"z"`
	QW     float64   `json:"qw"`
	QX     float64   `json:"qx"`
	QY     float64   `json:"qy"`
	QZ     float64   `json:"qz"`
}

// Server routes HTTP requests to a mapping module.
type Server struct {
	module *mapping.Module
	frames *referenceframe.FrameSystem
	hub    *Hub
	logger logging.Logger
}

// NewServer returns a server for module. Transform uploads go to frames.
func NewServer(module *mapping.Module, frames *referenceframe.FrameSystem, hub *Hub, logger logging.Logger) *Server {
	return &Server{module: module, frames: frames, hub: hub, logger: logger}
}

// Mux returns the routes of the server.
func (s *Server) Mux(options Options) *goji.Mux {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Post("/command/:name"), s.handleCommand)
	mux.HandleFunc(pat.Post("/scan"), s.handleScan)
	mux.HandleFunc(pat.Post("/depth"), s.handleDepth)
	mux.HandleFunc(pat.Post("/transform"), s.handleTransform)
	mux.HandleFunc(pat.Get("/status"), s.handleStatus)
	mux.HandleFunc(pat.Get("/map/profile.pcd"), s.handleProfile)
	mux.HandleFunc(pat.Get("/map/octree.ot"), s.handleTree)
	mux.Handle(pat.Get("/ws"), s.hub)

	if options.Pprof {
		mux.HandleFunc(pat.New("/debug/pprof/"), pprof.Index)
		mux.HandleFunc(pat.New("/debug/pprof/cmdline"), pprof.Cmdline)
		mux.HandleFunc(pat.New("/debug/pprof/profile"), pprof.Profile)
		mux.HandleFunc(pat.New("/debug/pprof/symbol"), pprof.Symbol)
		mux.HandleFunc(pat.New("/debug/pprof/trace"), pprof.Trace)
	}
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("error writing response", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %s", err), http.StatusBadRequest)
		return err
	}
	return nil
}

// sensorStatus maps an intake error to a response code.
func sensorStatus(err error) int {
	switch {
	case errors.Is(err, referenceframe.ErrTransformUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := mapping.ParseCommand(pat.Param(r, "name"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, CommandResponse{Command: pat.Param(r, "name"), Error: err.Error()})
		return
	}
	ok, err := s.module.ProcessCommand(r.Context(), cmd)
	resp := CommandResponse{Command: cmd.String(), Success: ok}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		if errors.Is(err, mapping.ErrUnknownCommand) {
			status = http.StatusBadRequest
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var scan mapping.LaserScan
	if err := decodeBody(w, r, &scan); err != nil {
		return
	}
	if err := s.module.HandleScan(r.Context(), scan); err != nil {
		http.Error(w, err.Error(), sensorStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	var req DepthRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	cloud := pointcloud.NewWithPrealloc(len(req.Points))
	for _, p := range req.Points {
		cloud.Append(r3.Vector{X: p[0], Y: p[1], Z: p[2]})
	}
	frame := mapping.DepthFrame{
		FrameID: req.FrameID,
		Stamp:   req.Stamp,
		Width:   req.Width,
		Height:  req.Height,
		Cloud:   cloud,
	}
	if err := s.module.HandleDepth(r.Context(), frame); err != nil {
		http.Error(w, err.Error(), sensorStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	var req TransformRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if req.Parent == "" || req.Child == "" {
		http.Error(w, "parent and child are required", http.StatusBadRequest)
		return
	}
	rotation := quat.Number{Real: req.QW, Imag: req.QX, Jmag: req.QY, Kmag: req.QZ}
	if quat.Abs(rotation) == 0 {
		rotation = quat.Number{Real: 1}
	}
	rotation = quat.Scale(1/quat.Abs(rotation), rotation)
	pose := spatialmath.NewPose(r3.Vector{X: req.X, Y: req.Y, Z: req.Z}, rotation)

	var err error
	if req.Static {
		err = s.frames.SetStatic(req.Child, req.Parent, pose)
	} else {
		stamp := req.Stamp
		if stamp.IsZero() {
			stamp = time.Now()
		}
		err = s.frames.AddPose(req.Child, req.Parent, stamp, pose)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.module.Status())
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	cloud := s.module.ProfileCloud()
	if cloud.Empty() {
		http.Error(w, mapping.ErrNoProfileCloud.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := pointcloud.ToPCD(cloud, w, pointcloud.PCDBinary); err != nil {
		s.logger.Debugw("error writing pcd", "error", err)
	}
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.module.WriteTree(&buf); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mapping.ErrNoOccupancyTree) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debugw("error writing tree", "error", err)
	}
}

// RunWeb serves handler on the configured port until ctx is done.
func RunWeb(ctx context.Context, handler http.Handler, options Options, logger logging.Logger) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", options.Port))
	if err != nil {
		return err
	}
	return Serve(ctx, listener, handler, logger)
}

// Serve serves handler on listener until ctx is done.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, logger logging.Logger) error {
	httpServer := &http.Server{
		Addr:              listener.Addr().String(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           handler,
	}

	utils.PanicCapturingGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("error shutting down", "error", err)
		}
	})

	logger.Infow("serving", "url", fmt.Sprintf("http://%s", listener.Addr().String()))
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
