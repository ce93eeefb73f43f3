package rdma

import "sync"

// Post is one registered buffer plus its work-request bookkeeping. Pool
// posts cycle between their queue's active and passive lists; aux posts
// are one-shot allocations that belong to no list and are destroyed after
// a single use.
type Post struct {
	buf   []byte
	aux   bool
	reuse int

	prev, next *Post
	list       *postList
}

// Buf exposes the post's buffer.
func (p *Post) Buf() []byte { return p.buf }

// Aux reports whether this is a one-shot allocation outside the pool.
func (p *Post) Aux() bool { return p.aux }

func newPost(size int, aux bool) *Post {
	return &Post{buf: make([]byte, size), aux: aux}
}

// postList is one intrusive doubly-linked list of posts.
type postList struct {
	head, tail *Post
	count      int
}

func (l *postList) push(p *Post) {
	p.prev, p.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = p
	} else {
		l.head = p
	}
	l.tail = p
	p.list = l
	l.count++
}

func (l *postList) pop() *Post {
	p := l.head
	if p == nil {
		return nil
	}
	l.remove(p)
	return p
}

func (l *postList) remove(p *Post) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		l.tail = p.prev
	}
	p.prev, p.next, p.list = nil, nil, nil
	l.count--
}

// postQueue is one direction's post pool: the passive list holds idle
// posts, the active list holds posts handed to the hardware. Splicing
// between the two happens under the queue lock.
type postQueue struct {
	mu      sync.Mutex
	active  postList
	passive postList
	size    int // buffer length for fresh pool posts
}

func newPostQueue(count, size int) *postQueue {
	q := &postQueue{size: size}
	for i := 0; i < count; i++ {
		q.passive.push(newPost(size, false))
	}
	return q
}

// get takes an idle post, allocating a fresh pool post when the passive
// list is empty, and moves it to the active list.
func (q *postQueue) get() *Post {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.passive.pop()
	if p == nil {
		p = newPost(q.size, false)
	}
	q.active.push(p)
	p.reuse++
	return p
}

// put returns a completed pool post to the passive list.
func (q *postQueue) put(p *Post) {
	if p.aux {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.list != nil {
		p.list.remove(p)
	}
	q.passive.push(p)
}

// counts reports (active, passive) lengths for metrics.
func (q *postQueue) counts() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active.count, q.passive.count
}
