package classifier_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/classifier"
	"github.com/frobware/go-eatguard/procmem"
)

type fakeQuerier struct {
	basic       procmem.BasicInfo
	basicErr    error
	region      procmem.RegionInfo
	regionErr   error
	regionCalls int
}

func (f *fakeQuerier) Query(uintptr) (procmem.BasicInfo, error) {
	return f.basic, f.basicErr
}

func (f *fakeQuerier) QueryRegion(uintptr) (procmem.RegionInfo, error) {
	f.regionCalls++
	return f.region, f.regionErr
}

func imageCode() *fakeQuerier {
	return &fakeQuerier{
		basic: procmem.BasicInfo{
			BaseAddress:       0x7ffa00001000,
			AllocationBase:    0x7ffa00000000,
			AllocationProtect: procmem.ExecuteRead,
			RegionSize:        0x5000,
			State:             procmem.StateCommit,
			Protect:           procmem.ExecuteRead,
			Type:              procmem.TypeImage,
		},
		region: procmem.RegionInfo{
			AllocationBase: 0x7ffa00000000,
			Type:           procmem.RegionMappedImage,
			RegionSize:     0x20000,
			CommitSize:     0x18000,
		},
	}
}

func TestClassify_ImageBackedCode(t *testing.T) {
	v := classifier.Classify(imageCode(), 0x7ffa00001234)

	assert.Equal(t, eatguard.Verdict{
		Outcome:             eatguard.Succeeded,
		IsImageOrFileBacked: true,
		AllocationBase:      0x7ffa00000000,
		RegionSize:          0x5000,
		CommitSize:          0x18000,
	}, v)
	assert.False(t, v.Suspicious())
}

func TestClassify_PrivateRWX(t *testing.T) {
	q := &fakeQuerier{
		basic: procmem.BasicInfo{
			AllocationBase:    0x20000000,
			AllocationProtect: procmem.ExecuteReadWrite,
			RegionSize:        0x1000,
			Protect:           procmem.ExecuteReadWrite,
		},
		region: procmem.RegionInfo{Type: procmem.RegionPrivate, CommitSize: 0x1000},
	}
	v := classifier.Classify(q, 0x20000010)

	assert.Equal(t, eatguard.Succeeded, v.Outcome)
	assert.True(t, v.IsExecutableAndWritable)
	assert.False(t, v.IsImageOrFileBacked)
	assert.False(t, v.ProtectionChangedSinceAllocation)
	assert.True(t, v.Suspicious())
}

func TestClassify_BasicQueryFails(t *testing.T) {
	q := imageCode()
	q.basicErr = errors.New("invalid parameter")

	v := classifier.Classify(q, 0x1)
	assert.Equal(t, eatguard.Verdict{Outcome: eatguard.Failed}, v)
	assert.Zero(t, q.regionCalls)
}

func TestClassify_RegionQueryFails(t *testing.T) {
	q := &fakeQuerier{
		basic: procmem.BasicInfo{
			AllocationBase:    0x30000000,
			AllocationProtect: procmem.ReadWrite,
			RegionSize:        0x2000,
			Protect:           procmem.ExecuteReadWrite,
		},
		regionErr: errors.New("not supported"),
	}
	v := classifier.Classify(q, 0x30000000)

	assert.Equal(t, eatguard.PartiallySucceeded, v.Outcome)
	assert.True(t, v.IsExecutableAndWritable)
	assert.True(t, v.ProtectionChangedSinceAllocation)
	assert.Equal(t, uintptr(0x30000000), v.AllocationBase)
	assert.Equal(t, uintptr(0x2000), v.RegionSize)
	assert.False(t, v.IsImageOrFileBacked)
	assert.Zero(t, v.CommitSize)
}

func TestClassify_RegionTypes(t *testing.T) {
	tests := []struct {
		name         string
		typ          procmem.RegionType
		wantBacked   bool
		wantDirectly bool
	}{
		{"image", procmem.RegionMappedImage, true, false},
		{"data file", procmem.RegionMappedDataFile, true, false},
		{"private", procmem.RegionPrivate, false, false},
		{"page file", procmem.RegionMappedPageFile, false, false},
		{"image wins over private", procmem.RegionMappedImage | procmem.RegionPrivate, true, false},
		{"direct mapped", procmem.RegionMappedPhysical | procmem.RegionDirectMapped, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := imageCode()
			q.region.Type = tt.typ
			v := classifier.Classify(q, 0x7ffa00001234)
			assert.Equal(t, eatguard.Succeeded, v.Outcome)
			assert.Equal(t, tt.wantBacked, v.IsImageOrFileBacked)
			assert.Equal(t, tt.wantDirectly, v.IsDirectlyMappedSection)
		})
	}
}

func TestClassify_ExecutableAndWritable(t *testing.T) {
	tests := []struct {
		prot procmem.Protection
		want bool
	}{
		{procmem.ExecuteRead, false},
		{procmem.ReadWrite, false},
		{procmem.ExecuteReadWrite, true},
		{procmem.ExecuteWriteCopy, true},
		{procmem.ExecuteReadWrite | procmem.Guard, true},
		{procmem.Execute, false},
	}
	for _, tt := range tests {
		t.Run(tt.prot.String(), func(t *testing.T) {
			q := imageCode()
			q.basic.Protect = tt.prot
			q.basic.AllocationProtect = tt.prot
			assert.Equal(t, tt.want, classifier.Classify(q, 0).IsExecutableAndWritable)
		})
	}
}

func TestClassify_ProtectionChanged(t *testing.T) {
	q := imageCode()
	q.basic.AllocationProtect = procmem.ExecuteWriteCopy
	q.basic.Protect = procmem.ExecuteRead
	assert.True(t, classifier.Classify(q, 0).ProtectionChangedSinceAllocation)
}
