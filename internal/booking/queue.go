package booking

import "github.com/google/uuid"

// PatientQueue is a FIFO of patient ids with set semantics: a patient can be
// enqueued at most once.
type PatientQueue []uuid.UUID

// Enqueue appends the patient unless already present. It reports whether the
// queue changed.
func (q *PatientQueue) Enqueue(patientID uuid.UUID) bool {
	if q.Contains(patientID) {
		return false
	}
	*q = append(*q, patientID)
	return true
}

// Dequeue pops the front of the queue. The second return is false when the
// queue is empty.
func (q *PatientQueue) Dequeue() (uuid.UUID, bool) {
	if len(*q) == 0 {
		return uuid.Nil, false
	}
	front := (*q)[0]
	*q = append(PatientQueue{}, (*q)[1:]...)
	return front, true
}

func (q PatientQueue) Contains(patientID uuid.UUID) bool {
	for _, id := range q {
		if id == patientID {
			return true
		}
	}
	return false
}

// Remove deletes the patient wherever it sits, preserving order of the rest.
// It reports whether an entry was removed.
func (q *PatientQueue) Remove(patientID uuid.UUID) bool {
	for i, id := range *q {
		if id == patientID {
			*q = append((*q)[:i:i], (*q)[i+1:]...)
			return true
		}
	}
	return false
}
