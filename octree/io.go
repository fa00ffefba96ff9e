package octree

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/occupancy/logging"
)

// TreeType is the identifier written in the header of serialized trees.
const TreeType = "OcTree"

const fileHeader = "# Octomap OcTree file"

// ErrTreeTypeMismatch is returned when a serialized tree is not an occupancy OcTree.
var ErrTreeTypeMismatch = errors.New("serialized tree is not an OcTree")

// Write serializes the full tree: a text header followed by a depth-first stream of nodes. Each node
// is its little endian float32 log-odds and a byte whose bit i marks the presence of child i.
func (t *OcTree) Write(out io.Writer) error {
	w := bufio.NewWriter(out)
	if _, err := fmt.Fprintf(w, "%s\n# (feel free to add / change comments, but leave the first line as it is!)\n#\n", fileHeader); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id %s\nsize %d\nres %s\ndata\n",
		TreeType, t.size, strconv.FormatFloat(t.resolution, 'g', -1, 64)); err != nil {
		return err
	}
	if t.root != nil {
		if err := writeNode(w, t.root); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeNode(w io.Writer, n *node) error {
	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(n.value))
	if n.children != nil {
		for i, c := range n.children {
			if c != nil {
				buf[4] |= 1 << uint(i)
			}
		}
	}
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if n.children == nil {
		return nil
	}
	for _, c := range n.children {
		if c == nil {
			continue
		}
		if err := writeNode(w, c); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile serializes the tree into the file fn.
func (t *OcTree) WriteFile(fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", fn)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return t.Write(f)
}

// Read deserializes a tree written by Write. The returned tree uses the default sensor model.
func Read(in io.Reader, logger logging.Logger) (*OcTree, error) {
	r := bufio.NewReader(in)
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, errors.Wrap(err, "reading tree header")
	}
	if !strings.HasPrefix(line, fileHeader) {
		return nil, errors.Errorf("first line of tree stream is %q, expected %q", strings.TrimSpace(line), fileHeader)
	}

	var id string
	var size int
	var resolution float64
	gotData := false
	for !gotData {
		line, err = r.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "reading tree header")
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		token, value, _ := strings.Cut(line, " ")
		switch token {
		case "id":
			id = value
		case "size":
			if size, err = strconv.Atoi(value); err != nil {
				return nil, errors.Wrapf(err, "invalid size %q", value)
			}
		case "res":
			if resolution, err = strconv.ParseFloat(value, 64); err != nil {
				return nil, errors.Wrapf(err, "invalid resolution %q", value)
			}
		case "data":
			gotData = true
		default:
			logger.Warnw("unknown keyword in tree header, skipping", "keyword", token)
		}
	}
	if id == "" {
		return nil, errors.New("tree header is missing an id")
	}
	if id != TreeType {
		return nil, errors.Wrapf(ErrTreeTypeMismatch, "got %q", id)
	}

	tree, err := New(resolution, logger)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return tree, nil
	}
	tree.root = &node{}
	tree.size = 1
	if err := tree.readNode(r, tree.root, 0); err != nil {
		return nil, err
	}
	if tree.size != size {
		return nil, errors.Errorf("tree size mismatch: header says %d nodes, read %d", size, tree.size)
	}
	return tree, nil
}

func (t *OcTree) readNode(r io.Reader, n *node, depth int) error {
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return errors.Wrap(err, "reading tree node")
	}
	n.value = math.Float32frombits(binary.LittleEndian.Uint32(buf[:4]))
	mask := buf[4]
	if mask == 0 {
		return nil
	}
	if depth >= TreeDepth {
		return errors.Errorf("tree node at depth %d has children", depth)
	}
	n.children = &[8]*node{}
	for i := 0; i < 8; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		child := &node{}
		n.children[i] = child
		t.size++
		if err := t.readNode(r, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile deserializes the tree stored in fn.
func ReadFile(fn string, logger logging.Logger) (*OcTree, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q", fn)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return Read(f, logger)
}
