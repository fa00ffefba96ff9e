package mapping

import "fmt"

// State is the lifecycle of the module. Scanning gates the intake of laser scans, Profiling gates
// integration into the occupancy tree.
type State struct {
	Scanning  bool `json:"scanning"`
	Profiling bool `json:"profiling"`
}

func (s State) String() string {
	switch {
	case s.Scanning && s.Profiling:
		return "scanning+profiling"
	case s.Scanning:
		return "scanning"
	case s.Profiling:
		return "profiling"
	default:
		return "idle"
	}
}

// Status is a snapshot of the module for reporting.
type Status struct {
	State          State  `json:"state"`
	BufferedScans  int    `json:"buffered_scans"`
	ProfilePoints  int    `json:"profile_points"`
	RGBDPoints     int    `json:"rgbd_points"`
	SymmetryPoints int    `json:"symmetry_points"`
	TreeNodes      int    `json:"tree_nodes"`
	HasTree        bool   `json:"has_tree"`
	ScansReceived  uint64 `json:"scans_received"`
	FramesReceived uint64 `json:"frames_received"`
}

func (s Status) String() string {
	return fmt.Sprintf("%s: %d buffered scans, %d profile points, %d rgbd points, %d tree nodes",
		s.State, s.BufferedScans, s.ProfilePoints, s.RGBDPoints, s.TreeNodes)
}
