package orderbook

// BidHeap implements heap.Interface for resting buy orders
// (highest price on top, earliest submission first within a price).
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove)
type BidHeap []*Order

func (h BidHeap) Len() int { return len(h) }
func (h BidHeap) Less(i, j int) bool {
	if h[i].Price != h[j].Price {
		return h[i].Price > h[j].Price
	}
	return h[i].seq < h[j].seq
}
func (h BidHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *BidHeap) Push(x interface{}) {
	*h = append(*h, x.(*Order))
}

func (h *BidHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// Peek returns the top order without removing it
func (h BidHeap) Peek() *Order {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// AskHeap implements heap.Interface for resting sell orders
// (lowest price on top, earliest submission first within a price).
type AskHeap []*Order

func (h AskHeap) Len() int { return len(h) }
func (h AskHeap) Less(i, j int) bool {
	if h[i].Price != h[j].Price {
		return h[i].Price < h[j].Price
	}
	return h[i].seq < h[j].seq
}
func (h AskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *AskHeap) Push(x interface{}) {
	*h = append(*h, x.(*Order))
}

func (h *AskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// Peek returns the top order without removing it
func (h AskHeap) Peek() *Order {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// bookSide is what the matcher needs from either heap.
type bookSide interface {
	Len() int
	Less(i, j int) bool
	Swap(i, j int)
	Push(x interface{})
	Pop() interface{}
	Peek() *Order
}

var (
	_ bookSide = (*BidHeap)(nil)
	_ bookSide = (*AskHeap)(nil)
)
