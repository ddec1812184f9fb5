package collections

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestList_Add(t *testing.T) {
	l := &List[int]{}

	l.Add(10)
	l.Add(20)

	assert.Equal(t, 2, l.Size())
}

func TestList_GetAll_ReturnsCopy(t *testing.T) {
	l := &List[int]{}
	l.Add(10)
	l.Add(20)

	snapshot := l.GetAll()
	snapshot[0] = 999

	again := l.GetAll()
	assert.Equal(t, 10, again[0])
}

func TestList_Find(t *testing.T) {
	l := &List[string]{}
	l.Add("a")
	l.Add("b")

	found, ok := l.Find(func(s string) bool { return s == "b" })
	assert.True(t, ok)
	assert.Equal(t, "b", found)

	_, ok = l.Find(func(s string) bool { return s == "z" })
	assert.False(t, ok)
}

func TestList_ForEach(t *testing.T) {
	l := &List[int]{}
	l.Add(1)
	l.Add(2)
	l.Add(3)

	sum := 0
	l.ForEach(func(n int) { sum += n })

	assert.Equal(t, 6, sum)
}

func TestList_Get_OutOfRange(t *testing.T) {
	l := &List[int]{}
	l.Add(1)

	_, err := l.Get(5)
	assert.Error(t, err)
}
