package ctlfs

import "github.com/marmos91/diodctl/internal/protocol/ctl"

// The control tree is fixed:
//
//	/          directory
//	/exports   newline separated export list
//	/server    port of the caller's backend, spawned on first read
type node int

const (
	nodeRoot node = iota
	nodeExports
	nodeServer
)

const (
	// FileExports is the name of the export list file.
	FileExports = "exports"

	// FileServer is the name of the per-user backend port file.
	FileServer = "server"

	// ControlAname is the attach name that selects the control tree itself.
	ControlAname = "/diodctl"
)

type entry struct {
	name string
	qid  ctl.Qid
	mode uint32
}

var tree = [...]entry{
	nodeRoot:    {name: "/", qid: ctl.Qid{Type: ctl.QTDIR, Path: 1}, mode: ctl.DMDIR | 0o555},
	nodeExports: {name: FileExports, qid: ctl.Qid{Type: ctl.QTFILE, Path: 2}, mode: 0o444},
	nodeServer:  {name: FileServer, qid: ctl.Qid{Type: ctl.QTFILE, Path: 3}, mode: 0o444},
}

// children of the root, in directory order.
var children = []node{nodeExports, nodeServer}

func (n node) entry() entry { return tree[n] }

func (n node) isDir() bool { return n == nodeRoot }

// lookup resolves one walk element from n.
func (n node) lookup(name string) (node, bool) {
	if name == ".." {
		return nodeRoot, true
	}
	for _, c := range children {
		if tree[c].name == name {
			return c, true
		}
	}
	return 0, false
}

func (n node) stat() ctl.Stat {
	e := n.entry()
	return ctl.Stat{Qid: e.qid, Mode: e.mode, Name: e.name}
}
