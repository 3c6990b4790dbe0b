package allocator

import "time"

// intervalNode is an AVL node keyed by (StartTime, ID) and augmented with the
// largest EndTime found in its subtree.
type intervalNode struct {
	req         Request
	maxEnd      time.Time
	height      int
	left, right *intervalNode
}

func keyLess(a, b *Request) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}

func nodeHeight(n *intervalNode) int {
	if n == nil {
		return 0
	}
	return n.height
}

func (n *intervalNode) update() {
	n.height = 1 + max(nodeHeight(n.left), nodeHeight(n.right))
	n.maxEnd = n.req.EndTime
	if n.left != nil && n.left.maxEnd.After(n.maxEnd) {
		n.maxEnd = n.left.maxEnd
	}
	if n.right != nil && n.right.maxEnd.After(n.maxEnd) {
		n.maxEnd = n.right.maxEnd
	}
}

func rotateRight(y *intervalNode) *intervalNode {
	x := y.left
	y.left = x.right
	x.right = y
	y.update()
	x.update()
	return x
}

func rotateLeft(x *intervalNode) *intervalNode {
	y := x.right
	x.right = y.left
	y.left = x
	x.update()
	y.update()
	return y
}

func rebalance(n *intervalNode) *intervalNode {
	n.update()
	switch bf := nodeHeight(n.left) - nodeHeight(n.right); {
	case bf > 1:
		if nodeHeight(n.left.left) < nodeHeight(n.left.right) {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case bf < -1:
		if nodeHeight(n.right.right) < nodeHeight(n.right.left) {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

func treeInsert(n *intervalNode, r Request) *intervalNode {
	if n == nil {
		return &intervalNode{req: r, maxEnd: r.EndTime, height: 1}
	}
	if keyLess(&r, &n.req) {
		n.left = treeInsert(n.left, r)
	} else {
		n.right = treeInsert(n.right, r)
	}
	return rebalance(n)
}

func treeDeleteMin(n *intervalNode) (*intervalNode, Request) {
	if n.left == nil {
		return n.right, n.req
	}
	var least Request
	n.left, least = treeDeleteMin(n.left)
	return rebalance(n), least
}

func treeDelete(n *intervalNode, r Request) *intervalNode {
	if n == nil {
		return nil
	}
	switch {
	case keyLess(&r, &n.req):
		n.left = treeDelete(n.left, r)
	case keyLess(&n.req, &r):
		n.right = treeDelete(n.right, r)
	default:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		n.right, n.req = treeDeleteMin(n.right)
	}
	return rebalance(n)
}

// treeOverlap appends, in key order, every interval overlapping [start, end).
// Subtrees whose maxEnd is not after start are skipped, and the in-order walk stops
// at the first key starting at or after end.
func treeOverlap(n *intervalNode, start, end time.Time, out []Request) []Request {
	if n == nil || !n.maxEnd.After(start) {
		return out
	}
	out = treeOverlap(n.left, start, end, out)
	if !n.req.StartTime.Before(end) {
		return out
	}
	if n.req.EndTime.After(start) {
		out = append(out, n.req)
	}
	return treeOverlap(n.right, start, end, out)
}

func treeWalk(n *intervalNode, out []Request) []Request {
	if n == nil {
		return out
	}
	out = treeWalk(n.left, out)
	out = append(out, n.req)
	return treeWalk(n.right, out)
}
