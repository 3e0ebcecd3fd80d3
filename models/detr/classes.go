package detr

import (
	"fmt"

	"github.com/samber/lo"
)

// NoObject is the name printed for the no-object class.
const NoObject = "no-object"

// ClassSet ties a dataset to its class names, indexed by class id.
type ClassSet struct {
	// Dataset identifier.
	Dataset string
	// Names holds one name per class id. Unused ids are "N/A".
	Names []string
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

func newClassSet(dataset string, names []string) *ClassSet {
	s := &ClassSet{Dataset: dataset, Names: names, nameToIdx: make(map[string]int, len(names))}
	for i, n := range names {
		if _, seen := s.nameToIdx[n]; !seen {
			s.nameToIdx[n] = i
		}
	}
	return s
}

// Len returns the number of class ids, which is the number of real classes of the
// classifier.
func (s *ClassSet) Len() int {
	return len(s.Names)
}

// Name returns the class name of an id. The id one past the last class is the
// no-object class.
func (s *ClassSet) Name(idx int) (string, error) {
	switch {
	case idx == len(s.Names):
		return NoObject, nil
	case idx < 0 || idx > len(s.Names):
		return "", fmt.Errorf("index %d out of range for dataset %q", idx, s.Dataset)
	}
	return s.Names[idx], nil
}

// Index returns the class id of a name.
func (s *ClassSet) Index(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok || name == "N/A" {
		return -1, fmt.Errorf("name %q not found in dataset %q", name, s.Dataset)
	}
	return idx, nil
}

// COCOClasses are the COCO detection categories by their original ids. Ids that
// COCO never assigned are "N/A", so there are 91 ids for 80 categories.
var COCOClasses = newClassSet("coco", []string{
	"N/A", "person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "N/A", "stop sign",
	"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "N/A", "backpack", "umbrella", "N/A",
	"N/A", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard",
	"sports ball", "kite", "baseball bat", "baseball glove", "skateboard",
	"surfboard", "tennis racket", "bottle", "N/A", "wine glass", "cup", "fork",
	"knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange", "broccoli",
	"carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "N/A", "dining table", "N/A", "N/A", "toilet", "N/A",
	"tv", "laptop", "mouse", "remote", "keyboard", "cell phone", "microwave",
	"oven", "toaster", "sink", "refrigerator", "N/A", "book", "clock", "vase",
	"scissors", "teddy bear", "hair drier", "toothbrush",
})

// VOCClasses are the 20 PASCAL VOC categories.
var VOCClasses = newClassSet("voc", []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat",
	"chair", "cow", "diningtable", "dog", "horse", "motorbike", "person",
	"pottedplant", "sheep", "sofa", "train", "tvmonitor",
})

// ClassSetFor returns the class set of a dataset: COCO for "coco", VOC otherwise.
func ClassSetFor(dataset string) *ClassSet {
	if dataset == COCOClasses.Dataset {
		return COCOClasses
	}
	return VOCClasses
}

// Categories returns the distinct assigned category names.
func (s *ClassSet) Categories() []string {
	return lo.Uniq(lo.Filter(s.Names, func(n string, _ int) bool { return n != "N/A" }))
}
