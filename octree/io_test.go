package octree

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"go.viam.com/test"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/pointcloud"
)

func collectLeaves(tree *OcTree) []Leaf {
	var leaves []Leaf
	tree.IterateLeaves(func(leaf Leaf) bool {
		leaves = append(leaves, leaf)
		return true
	})
	return leaves
}

func populatedTree(t *testing.T) *OcTree {
	t.Helper()
	tree, err := New(0.2, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	cloud := pointcloud.NewFromPoints([]r3.Vector{
		{X: 2, Y: 0.3, Z: 0.7},
		{X: -1.1, Y: 1.9, Z: 0.2},
		{X: 0.4, Y: -2.2, Z: 1.3},
	})
	free, occupied, err := tree.ComputeUpdate(context.Background(), cloud, r3.Vector{Z: 0.5}, -1)
	test.That(t, err, test.ShouldBeNil)
	for k := range free {
		tree.UpdateNode(k, false)
	}
	for k := range occupied {
		tree.UpdateNode(k, true)
	}
	return tree
}

func TestWriteRead(t *testing.T) {
	logger := logging.NewTestLogger(t)
	tree := populatedTree(t)

	var buf bytes.Buffer
	test.That(t, tree.Write(&buf), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldStartWith, "# Octomap OcTree file\n")
	test.That(t, buf.String(), test.ShouldContainSubstring, "\nid OcTree\n")
	test.That(t, buf.String(), test.ShouldContainSubstring, "\nres 0.2\n")

	read, err := Read(&buf, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read.Resolution(), test.ShouldEqual, 0.2)
	test.That(t, read.Size(), test.ShouldEqual, tree.Size())
	if diff := cmp.Diff(collectLeaves(tree), collectLeaves(read)); diff != "" {
		t.Errorf("leaves differ after reading (-want +got):\n%s", diff)
	}
}

func TestWriteReadFile(t *testing.T) {
	logger := logging.NewTestLogger(t)
	fn := filepath.Join(t.TempDir(), "profile_octree.ot")

	empty, err := New(0.5, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, empty.WriteFile(fn), test.ShouldBeNil)
	read, err := ReadFile(fn, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read.Size(), test.ShouldEqual, 0)
	test.That(t, read.Resolution(), test.ShouldEqual, 0.5)

	tree := populatedTree(t)
	test.That(t, tree.WriteFile(fn), test.ShouldBeNil)
	read, err = ReadFile(fn, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Equal(collectLeaves(tree), collectLeaves(read)), test.ShouldBeTrue)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.ot"), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)

	_, err := Read(strings.NewReader("# Octomap OcTree file\nid ColorOcTree\nsize 0\nres 0.1\ndata\n"), logger)
	test.That(t, errors.Is(err, ErrTreeTypeMismatch), test.ShouldBeTrue)

	_, err = Read(strings.NewReader("not a tree\n"), logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Read(strings.NewReader("# Octomap OcTree file\nsize 0\nres 0.1\ndata\n"), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing an id")

	// header promises nodes that are not there
	_, err = Read(strings.NewReader("# Octomap OcTree file\nid OcTree\nsize 3\nres 0.1\ndata\n"), logger)
	test.That(t, err, test.ShouldNotBeNil)

	tree := populatedTree(t)
	var buf bytes.Buffer
	test.That(t, tree.Write(&buf), test.ShouldBeNil)
	truncated := buf.Bytes()[:buf.Len()-3]
	_, err = Read(bytes.NewReader(truncated), logger)
	test.That(t, err, test.ShouldNotBeNil)
}
