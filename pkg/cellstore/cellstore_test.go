package cellstore_test

import (
	"math"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"tabletdb/pkg/blockcache"
	"tabletdb/pkg/cellstore"
	"tabletdb/pkg/compression"
	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/dfs"
	"tabletdb/pkg/key"
	"tabletdb/pkg/scan"
	"tabletdb/pkg/types"
)

var _ = Describe("CellStore", func() {
	const name = "tables/t/default/cs1"

	var (
		fs      *dfs.VFS
		cells   []scan.Cell
		subject *cellstore.CellStore
		cache   *blockcache.Cache
	)

	everything := func(spec *scan.Spec) *scan.Context {
		return scan.NewContext(math.MaxInt64, spec, nil, nil, 0)
	}

	drain := func(ctx *scan.Context) []scan.Cell {
		s, err := subject.NewScanner(ctx, cache)
		Expect(err).NotTo(HaveOccurred())
		out, err := scan.Collect(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Close()).To(Succeed())
		return out
	}

	BeforeEach(func() {
		fs = dfs.NewMem()
		cells = seedCells(10000)
		cache = blockcache.New(8 << 20)
		Expect(writeStore(fs, name, cells, defaultOpts)).To(Succeed())

		var err error
		subject, err = cellstore.Open(fs, name, "", key.EndRowMarker)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(subject.Release()).To(Succeed())
	})

	It("should init", func() {
		Expect(subject.Entries()).To(BeEquivalentTo(10000))
		Expect(subject.MaxTimestamp()).To(BeEquivalentTo(10000))
		Expect(subject.BlockCount()).To(BeNumerically(">", 10))
		Expect(subject.Meta().Table.Name).To(Equal("t"))
		Expect(subject.Trailer().Codec).To(Equal(compression.Snappy))
	})

	It("should return every cell in order with read-ahead", func() {
		out := drain(everything(nil))
		Expect(out).To(HaveLen(len(cells)))
		for i := range cells {
			Expect(out[i].Key).To(Equal(cells[i].Key), "cell %d", i)
			Expect(out[i].Value).To(Equal(cells[i].Value), "cell %d", i)
		}
		Expect(cache.Stats().Inserts).To(BeZero())
	})

	It("should fetch single rows through the block cache", func() {
		for _, i := range []int{0, 1, 4999, 9998, 9999} {
			out := drain(everything(&scan.Spec{Row: rowName(i)}))
			Expect(out).To(HaveLen(1), "row %d", i)
			Expect(out[0].Value).To(Equal(cells[i].Value))
		}
		Expect(cache.Stats().Inserts).To(BeNumerically(">", 0))

		before := cache.Stats().Hits
		drain(everything(&scan.Spec{Row: rowName(4999)}))
		Expect(cache.Stats().Hits).To(BeNumerically(">", before))
		Expect(drain(everything(&scan.Spec{Row: "row0500"}))).To(BeEmpty())
	})

	It("should honour row bounds of the context and the opener", func() {
		out := drain(everything(&scan.Spec{StartRow: rowName(2500), EndRow: rowName(2600)}))
		Expect(out).To(HaveLen(100))
		Expect(key.Row(out[0].Key)).To(BeEquivalentTo(rowName(2500)))

		half, err := cellstore.Open(fs, name, rowName(3000), rowName(4000))
		Expect(err).NotTo(HaveOccurred())
		defer half.Release()

		s, err := half.NewScanner(everything(nil), cache)
		Expect(err).NotTo(HaveOccurred())
		got, err := scan.Collect(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Close()).To(Succeed())
		Expect(got).To(HaveLen(1000))
		Expect(key.Row(got[999].Key)).To(BeEquivalentTo(rowName(3999)))
	})

	It("should keep cached blocks across a reopen", func() {
		drain(everything(&scan.Spec{Row: rowName(7000)}))
		inserts := cache.Stats().Inserts
		Expect(inserts).To(BeNumerically(">", 0))

		upper, err := cellstore.Open(fs, name, rowName(5000), key.EndRowMarker)
		Expect(err).NotTo(HaveOccurred())
		defer upper.Release()
		Expect(upper.FileID()).To(Equal(subject.FileID()))

		before := cache.Stats().Hits
		s, err := upper.NewScanner(everything(&scan.Spec{Row: rowName(7000)}), cache)
		Expect(err).NotTo(HaveOccurred())
		out, err := scan.Collect(s)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Close()).To(Succeed())
		Expect(out).To(HaveLen(1))
		Expect(cache.Stats().Hits).To(BeNumerically(">", before))
		Expect(cache.Stats().Inserts).To(Equal(inserts))
	})

	It("should give a rewritten file a new id", func() {
		old := subject.FileID()
		Expect(writeStore(fs, name, cells[:10], defaultOpts)).To(Succeed())
		fresh, err := cellstore.Open(fs, name, "", key.EndRowMarker)
		Expect(err).NotTo(HaveOccurred())
		defer fresh.Release()
		Expect(fresh.FileID()).NotTo(Equal(old))
		Expect(fresh.Entries()).To(BeEquivalentTo(10))
	})

	It("should apply the snapshot and family filters", func() {
		out := drain(scan.NewContext(100, nil, nil, nil, 0))
		Expect(out).To(HaveLen(100))
		Expect(drain(everything(&scan.Spec{Families: []uint8{2}}))).To(BeEmpty())
	})

	It("should choose a split row from the index", func() {
		row := subject.SplitRow()
		Expect(row > rowName(0) && row < rowName(9999)).To(BeTrue(), "split row %q", row)
	})

	It("should reject out-of-order appends", func() {
		w, err := cellstore.NewWriter(fs, "tables/t/default/cs2", defaultOpts)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Add(cells[1].Key, nil)).To(Succeed())
		Expect(w.Add(cells[0].Key, nil)).To(MatchError(dberrors.ErrOutOfOrder))
		Expect(w.Add(cells[1].Key, nil)).To(MatchError(dberrors.ErrOutOfOrder))
		Expect(w.Abort()).To(Succeed())
	})

	It("should surface a corrupt block magic as a read failure", func() {
		f, err := fs.Open(name)
		Expect(err).NotTo(HaveOccurred())
		n, err := fs.Length(name)
		Expect(err).NotTo(HaveOccurred())
		raw := make([]byte, n)
		_, err = f.ReadAt(raw, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		raw[0] = 'X'
		w, err := fs.Create("tables/t/default/bad")
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())

		bad, err := cellstore.Open(fs, "tables/t/default/bad", "", key.EndRowMarker)
		Expect(err).NotTo(HaveOccurred())
		defer bad.Release()

		for _, spec := range []*scan.Spec{nil, {Row: rowName(0)}} {
			s, err := bad.NewScanner(everything(spec), cache)
			Expect(err).NotTo(HaveOccurred())
			_, _, ok := s.Get()
			Expect(ok).To(BeFalse())
			Expect(errors.Is(s.Err(), dberrors.ErrBadMagic)).To(BeTrue(), "got %v", s.Err())
			Expect(dberrors.IsCorruption(s.Err())).To(BeTrue())
			Expect(s.Close()).To(Succeed())
		}
	})

	It("should reject a file without a trailer", func() {
		w, err := fs.Create("tables/t/default/short")
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write([]byte("not a cell store, just some bytes padding it out past 48"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())

		_, err = cellstore.Open(fs, "tables/t/default/short", "", key.EndRowMarker)
		Expect(errors.Is(err, dberrors.ErrCorruptCellStore)).To(BeTrue())
	})
})

var _ = Describe("Writer", func() {
	It("should keep rows within one block", func() {
		fs := dfs.NewMem()
		var cells []scan.Cell
		for i := 0; i < 50; i++ {
			for ts := int64(20); ts > 0; ts-- {
				cells = append(cells, scan.Cell{
					Key:   key.Encode(key.FlagInsert, []byte(rowName(i)), 1, nil, ts),
					Value: make([]byte, 64),
				})
			}
		}
		opts := cellstore.WriterOptions{BlockSize: 512, Codec: compression.None}
		Expect(writeStore(fs, "cs", cells, opts)).To(Succeed())

		cs, err := cellstore.Open(fs, "cs", "", key.EndRowMarker)
		Expect(err).NotTo(HaveOccurred())
		defer cs.Release()
		Expect(cs.BlockCount()).To(Equal(50))

		for _, i := range []int{0, 17, 49} {
			s, err := cs.NewScanner(scan.NewContext(math.MaxInt64, &scan.Spec{Row: rowName(i)}, nil, nil, 0), nil)
			Expect(err).NotTo(HaveOccurred())
			out, err := scan.Collect(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(20))
			Expect(s.Close()).To(Succeed())
		}
	})

	It("should write an empty store", func() {
		fs := dfs.NewMem()
		Expect(writeStore(fs, "empty", nil, defaultOpts)).To(Succeed())
		cs, err := cellstore.Open(fs, "empty", "", key.EndRowMarker)
		Expect(err).NotTo(HaveOccurred())
		defer cs.Release()
		Expect(cs.Entries()).To(BeZero())
		Expect(cs.SplitRow()).To(BeEmpty())

		s, err := cs.NewScanner(scan.NewContext(1, nil, &types.RangeSpec{EndRow: key.EndRowMarker}, nil, 0), nil)
		Expect(err).NotTo(HaveOccurred())
		_, _, ok := s.Get()
		Expect(ok).To(BeFalse())
		Expect(s.Close()).To(Succeed())
	})
})
