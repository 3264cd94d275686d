package reserve

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func boxID(b byte) BoxID {
	var id BoxID
	id[0] = b
	return id
}

func owner(b byte) (pk [33]byte) {
	pk[0] = 0x02
	pk[1] = b
	return pk
}

func TestUpdateReserveThenLookup(t *testing.T) {
	tr := New()
	id := boxID(1)
	o := owner(1)
	tr.UpdateReserve(Reserve{BoxID: id, Owner: o, Collateral: 1000, LastHeight: 10})

	r, err := tr.GetByBoxID(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), r.Collateral)
	require.Equal(t, uint64(0), r.TotalDebt)
}

func TestUpdateReservePreservesExistingDebt(t *testing.T) {
	tr := New()
	id := boxID(1)
	o := owner(1)
	tr.UpdateReserve(Reserve{BoxID: id, Owner: o, Collateral: 1000})
	require.NoError(t, tr.AddDebt(id, 200))

	tr.UpdateReserve(Reserve{BoxID: id, Owner: o, Collateral: 2000, LastHeight: 20})
	r, err := tr.GetByBoxID(id)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), r.Collateral)
	require.Equal(t, uint64(200), r.TotalDebt)
}

func TestRemoveReserve(t *testing.T) {
	tr := New()
	id := boxID(1)
	tr.UpdateReserve(Reserve{BoxID: id, Owner: owner(1), Collateral: 100})
	require.NoError(t, tr.RemoveReserve(id))
	_, err := tr.GetByBoxID(id)
	require.ErrorIs(t, err, ErrReserveNotFound)
}

func TestAddDebtFailsWhenDebtExceedsCollateral(t *testing.T) {
	tr := New()
	id := boxID(1)
	tr.UpdateReserve(Reserve{BoxID: id, Owner: owner(1), Collateral: 100})

	err := tr.AddDebt(id, 50)
	require.NoError(t, err)

	err = tr.AddDebt(id, 60)
	var ic *InsufficientCollateral
	require.ErrorAs(t, err, &ic)
	require.Equal(t, uint64(100), ic.Collateral)
	require.Equal(t, uint64(110), ic.NewDebt)
}

func TestRemoveDebtSaturatesAtZero(t *testing.T) {
	tr := New()
	id := boxID(1)
	tr.UpdateReserve(Reserve{BoxID: id, Owner: owner(1), Collateral: 100})
	require.NoError(t, tr.AddDebt(id, 40))
	require.NoError(t, tr.RemoveDebt(id, 1000))

	r, err := tr.GetByBoxID(id)
	require.NoError(t, err)
	require.Equal(t, uint64(0), r.TotalDebt)
}

func TestCanSupportDebt(t *testing.T) {
	tr := New()
	id := boxID(1)
	tr.UpdateReserve(Reserve{BoxID: id, Owner: owner(1), Collateral: 100})

	ok, err := tr.CanSupportDebt(id, 100)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.CanSupportDebt(id, 101)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetByOwnerAggregatesMultipleBoxes(t *testing.T) {
	tr := New()
	o := owner(5)
	tr.UpdateReserve(Reserve{BoxID: boxID(1), Owner: o, Collateral: 10})
	tr.UpdateReserve(Reserve{BoxID: boxID(2), Owner: o, Collateral: 20})
	tr.UpdateReserve(Reserve{BoxID: boxID(3), Owner: owner(6), Collateral: 30})

	got := tr.GetByOwner(o)
	require.Len(t, got, 2)
}

func TestWarningAndCriticalReserves(t *testing.T) {
	tr := New()
	tr.UpdateReserve(Reserve{BoxID: boxID(1), Owner: owner(1), Collateral: 100})
	require.NoError(t, tr.AddDebt(boxID(1), 100)) // ratio 1.0, critical

	tr.UpdateReserve(Reserve{BoxID: boxID(2), Owner: owner(2), Collateral: 110})
	require.NoError(t, tr.AddDebt(boxID(2), 100)) // ratio 1.1, warning but not critical

	tr.UpdateReserve(Reserve{BoxID: boxID(3), Owner: owner(3), Collateral: 1000})
	require.NoError(t, tr.AddDebt(boxID(3), 10)) // ratio 100, healthy

	warn := tr.GetWarningReserves()
	require.Len(t, warn, 2)

	crit := tr.GetCriticalReserves()
	require.Len(t, crit, 1)
	require.Equal(t, boxID(1), crit[0].BoxID)
}

func TestGetSystemTotals(t *testing.T) {
	tr := New()
	tr.UpdateReserve(Reserve{BoxID: boxID(1), Owner: owner(1), Collateral: 100})
	require.NoError(t, tr.AddDebt(boxID(1), 40))
	tr.UpdateReserve(Reserve{BoxID: boxID(2), Owner: owner(2), Collateral: 200})
	require.NoError(t, tr.AddDebt(boxID(2), 20))

	totals := tr.GetSystemTotals()
	require.Equal(t, uint64(300), totals.TotalCollateral)
	require.Equal(t, uint64(60), totals.TotalDebt)
	require.Equal(t, 2, totals.ReserveCount)
}

func TestReserveRatioInfiniteWhenNoDebt(t *testing.T) {
	r := Reserve{Collateral: 500}
	require.True(t, r.Ratio() > 1e18)
}
