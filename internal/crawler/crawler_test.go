package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	mu        sync.Mutex
	pages     map[string]string
	postBody  []byte
	postErr   error
	postCalls int
	getErr    map[string]error
}

func (f *fakeClient) GetText(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.getErr[url]; ok {
		return "", err
	}
	html, ok := f.pages[url]
	if !ok {
		return "", fmt.Errorf("no fixture for %s", url)
	}
	return html, nil
}

func (f *fakeClient) PostForm(_ context.Context, _ string, _ map[string]string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	if f.postErr != nil {
		return nil, f.postErr
	}
	return f.postBody, nil
}

func listingBlock(id, title, location string) string {
	return fmt.Sprintf(`<div class="reserve_box_item">
		<a href="/view.do?resveId=%s">link</a>
		<div class="reserve_title">%s</div>
		<div class="reserve_position">%s</div>
	</div>`, id, title, location)
}

func testCrawler(client HTTPClient) *Crawler {
	return New(client, Config{
		ListURL:        "http://upstream/list.do",
		TimeURL:        "http://upstream/time.do",
		Concurrency:    3,
		SlotRetries:    2,
		SlotRetryDelay: time.Millisecond,
	}, zap.NewNop())
}

func TestListFacilities_SinglePage(t *testing.T) {
	t.Parallel()

	html := listingBlock("100", "Foo 테니스장 [A]", "Seoul") + listingBlock("101", "Foo 테니스장 [B]", "Seoul")
	client := &fakeClient{pages: map[string]string{
		"http://upstream/list.do?checkSearchMonthNow=false&pageIndex=1&pageUnit=20&searchFcltyFieldNm=ITEM_01": html,
	}}

	got, err := testCrawler(client).ListFacilities(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Foo 테니스장 [A]", got["100"].Title)
	require.Equal(t, "Seoul", got["100"].Location)
}

func TestListFacilities_MultiPageMergeEarlierWins(t *testing.T) {
	t.Parallel()

	base := "http://upstream/list.do?checkSearchMonthNow=false&pageIndex=%d&pageUnit=20&searchFcltyFieldNm=ITEM_01"
	page1 := `<a href="?pageIndex=3">3</a>` + listingBlock("100", "First Title 테니스장", "")
	page2 := listingBlock("100", "Second Title 테니스장", "") + listingBlock("200", "Other 테니스장", "")
	page3 := listingBlock("300", "Third 테니스장", "")

	client := &fakeClient{pages: map[string]string{
		fmt.Sprintf(base, 1): page1,
		fmt.Sprintf(base, 2): page2,
		fmt.Sprintf(base, 3): page3,
	}}

	got, err := testCrawler(client).ListFacilities(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "First Title 테니스장", got["100"].Title)
}

func TestListFacilities_PlaceholderFallback(t *testing.T) {
	t.Parallel()

	html := `<div class="reserve_box_item"><a href="?resveId=42">x</a></div>`
	client := &fakeClient{pages: map[string]string{
		"http://upstream/list.do?checkSearchMonthNow=false&pageIndex=1&pageUnit=20&searchFcltyFieldNm=ITEM_01": html,
	}}

	got, err := testCrawler(client).ListFacilities(context.Background())
	require.NoError(t, err)
	require.True(t, got["42"].IsPlaceholder())
}

func TestFetchSlots_LabelFallbacksAndEmptyDrop(t *testing.T) {
	t.Parallel()

	client := &fakeClient{postBody: []byte(`{"resveTmList":[
		{"timeContent":"09:00"},
		{"resveTmNm":"10:00"},
		{"tmNm":"11:00"},
		{}
	]}`)}

	slots := testCrawler(client).FetchSlots(context.Background(), "100", "20260901")
	require.Len(t, slots, 3)
	require.Equal(t, "09:00", slots[0].Time)
	require.Equal(t, "10:00", slots[1].Time)
	require.Equal(t, "11:00", slots[2].Time)
	require.Equal(t, "100", slots[0].ReservationID)
}

func TestFetchSlots_RetriesThenEmpty(t *testing.T) {
	t.Parallel()

	client := &fakeClient{postErr: errors.New("upstream down")}
	slots := testCrawler(client).FetchSlots(context.Background(), "100", "20260901")
	require.Empty(t, slots)
	require.Equal(t, 3, client.postCalls)
}

func TestCourtGroup(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Foo", CourtGroup("Foo 테니스장 [A]"))
	require.Equal(t, "Foo", CourtGroup("[야외] Foo 테니스장 2번 코트"))
	require.Equal(t, "Bar", CourtGroup("Bar"))
}

func TestBuildCourtGroupMap_SkipsPlaceholders(t *testing.T) {
	t.Parallel()

	facilities := map[string]Facility{
		"1": {ID: "1", Title: "Foo 테니스장 [A]"},
		"2": {ID: "2", Title: "Foo 테니스장 [B]"},
		"3": {ID: "3", Title: placeholderTitle("3")},
	}
	groups := BuildCourtGroupMap(facilities)
	require.ElementsMatch(t, []string{"1", "2"}, groups["Foo"])
	require.Len(t, groups, 1)
}

func TestFlattenSlots_DropsEmptyTimes(t *testing.T) {
	t.Parallel()

	facilities := map[string]Facility{"1": {ID: "1", Title: "Foo 테니스장"}}
	avail := Availability{
		"1": {
			"20260901": {{Time: "09:00"}, {Time: ""}},
		},
	}
	flat := FlattenSlots(facilities, avail)
	require.Len(t, flat, 1)
	require.Equal(t, "09:00", flat[0].Time)
	require.Equal(t, "1", flat[0].FacilityID)
}

func TestSortedFacilityIDs(t *testing.T) {
	t.Parallel()

	ids := SortedFacilityIDs(map[string]Facility{
		"20": {}, "1": {}, "10": {},
	})
	require.Equal(t, []string{"1", "10", "20"}, ids)
}

func TestPickByNames(t *testing.T) {
	t.Parallel()

	facilities := map[string]Facility{
		"1": {ID: "1", Title: "Foo 테니스장"},
		"2": {ID: "2", Title: "Bar 테니스장"},
	}
	require.Equal(t, []string{"1"}, PickByNames(facilities, []string{"Foo"}))
	require.Empty(t, PickByNames(facilities, nil))
}
